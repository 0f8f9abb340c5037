package native

import (
	"fmt"
	"plugin"
)

// registerSymbol is the entry point a handler plugin must export:
//
//	func Register(r *native.Runtime) error
const registerSymbol = "Register"

// LoadPlugin opens a compiled plugin object and invokes its Register entry
// point against this lane. Handlers registered by the plugin replace any
// existing registrations with the same names, which makes re-loading a
// rebuilt plugin a hot swap.
func (r *Runtime) LoadPlugin(path string) error {
	p, err := plugin.Open(path)
	if err != nil {
		return fmt.Errorf("open plugin %s: %w", path, err)
	}

	sym, err := p.Lookup(registerSymbol)
	if err != nil {
		return fmt.Errorf("plugin %s: %w", path, err)
	}

	register, ok := sym.(func(*Runtime) error)
	if !ok {
		return fmt.Errorf("plugin %s: %s has type %T, want func(*native.Runtime) error", path, registerSymbol, sym)
	}

	if err := register(r); err != nil {
		return fmt.Errorf("plugin %s register: %w", path, err)
	}
	r.logger.Info("loaded handler plugin", "path", path)
	return nil
}
