// Package schema holds the validated application schema consumed by the
// engine. The schema definition language and its parser live outside this
// module; this package only loads the parser's YAML output and exposes it
// read-only.
package schema

import (
	"fmt"
	"os"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Model is a declared data model. The relational mapping subsystem consumes
// these; the engine only counts them.
type Model struct {
	Name string `yaml:"name"`
}

// Api binds an HTTP route to a handler of the same name.
type Api struct {
	Name     string   `yaml:"name"`
	Method   string   `yaml:"method"`
	Path     string   `yaml:"path"`
	Body     string   `yaml:"body,omitempty"`
	Response string   `yaml:"response,omitempty"`
	Triggers []string `yaml:"triggers,omitempty"`
}

// Event binds a pub/sub topic to an ordered handler list and a static list of
// downstream events republished after the handlers run.
type Event struct {
	Name     string   `yaml:"name"`
	Payload  string   `yaml:"payload,omitempty"`
	Handlers []string `yaml:"handlers"`
	Triggers []string `yaml:"triggers,omitempty"`
}

// Cron declares a timed job. Schedule uses six-field cron syntax with a
// leading seconds field.
type Cron struct {
	Name           string   `yaml:"name"`
	Schedule       string   `yaml:"schedule"`
	TimeoutSeconds int64    `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	Triggers       []string `yaml:"triggers,omitempty"`
}

// IsEnabled reports whether the job should be scheduled. Jobs are enabled
// unless the schema says otherwise.
func (c Cron) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// WebSocket binds a socket path to lifecycle handler lists.
type WebSocket struct {
	Name         string   `yaml:"name"`
	Path         string   `yaml:"path"`
	Message      string   `yaml:"message,omitempty"`
	OnConnect    []string `yaml:"on_connect,omitempty"`
	OnMessage    []string `yaml:"on_message,omitempty"`
	OnDisconnect []string `yaml:"on_disconnect,omitempty"`
	Triggers     []string `yaml:"triggers,omitempty"`
}

// Schema is the complete validated application description.
type Schema struct {
	Models     []Model     `yaml:"models,omitempty"`
	Apis       []Api       `yaml:"apis,omitempty"`
	Events     []Event     `yaml:"events,omitempty"`
	Crons      []Cron      `yaml:"crons,omitempty"`
	Websockets []WebSocket `yaml:"websockets,omitempty"`
}

// EventByName returns the declared event with the given name, if any.
func (s *Schema) EventByName(name string) (Event, bool) {
	for _, e := range s.Events {
		if e.Name == name {
			return e, true
		}
	}
	return Event{}, false
}

// cronParser accepts the six-field syntax (seconds included).
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Load reads and validates a schema file.
func Load(path string) (*Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}

	var s Schema
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks structural invariants: non-empty names, events with at
// least one handler, parseable cron schedules, and trigger references that
// point at declared events.
func (s *Schema) Validate() error {
	declared := make(map[string]bool, len(s.Events))
	for _, e := range s.Events {
		if e.Name == "" {
			return fmt.Errorf("event with empty name")
		}
		if declared[e.Name] {
			return fmt.Errorf("duplicate event %q", e.Name)
		}
		declared[e.Name] = true
	}

	for _, e := range s.Events {
		if len(e.Handlers) == 0 {
			return fmt.Errorf("event %q declares no handlers", e.Name)
		}
		if err := checkTriggers(e.Name, e.Triggers, declared); err != nil {
			return err
		}
	}

	for _, a := range s.Apis {
		if a.Name == "" {
			return fmt.Errorf("api with empty name")
		}
		if err := checkTriggers(a.Name, a.Triggers, declared); err != nil {
			return err
		}
	}

	for _, c := range s.Crons {
		if c.Name == "" {
			return fmt.Errorf("cron with empty name")
		}
		if _, err := cronParser.Parse(c.Schedule); err != nil {
			return fmt.Errorf("cron %q: invalid schedule %q: %w", c.Name, c.Schedule, err)
		}
		if err := checkTriggers(c.Name, c.Triggers, declared); err != nil {
			return err
		}
	}

	for _, w := range s.Websockets {
		if w.Name == "" {
			return fmt.Errorf("websocket with empty name")
		}
		if err := checkTriggers(w.Name, w.Triggers, declared); err != nil {
			return err
		}
	}

	return nil
}

func checkTriggers(owner string, triggers []string, declared map[string]bool) error {
	for _, t := range triggers {
		if !declared[t] {
			return fmt.Errorf("%q triggers undeclared event %q", owner, t)
		}
	}
	return nil
}
