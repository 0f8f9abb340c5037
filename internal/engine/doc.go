// Package engine assembles the full execution stack from configuration: the
// message adapter, the execution lanes and executor, the event bus, the cron
// scheduler, and the trace store. It owns startup ordering, schema wiring,
// and graceful shutdown.
package engine
