package starlark

import (
	"encoding/json"
	"fmt"

	sl "go.starlark.net/starlark"

	"github.com/lodeworks/ferrite/internal/handler"
)

// state is the second argument passed to two-parameter handlers. It collects
// trigger emissions made during the call; the lane copies them onto the
// Result afterwards.
type state struct {
	triggers     []handler.TriggeredEvent
	autoPayloads map[string]json.RawMessage
}

var _ sl.HasAttrs = (*state)(nil)

func (s *state) String() string        { return "<state>" }
func (s *state) Type() string          { return "state" }
func (s *state) Freeze()               {}
func (s *state) Truth() sl.Bool        { return sl.True }
func (s *state) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: state") }

func (s *state) AttrNames() []string {
	return []string{"set_auto_payload", "trigger"}
}

func (s *state) Attr(name string) (sl.Value, error) {
	switch name {
	case "trigger":
		return sl.NewBuiltin("trigger", s.trigger), nil
	case "set_auto_payload":
		return sl.NewBuiltin("set_auto_payload", s.setAutoPayload), nil
	}
	return nil, nil
}

// trigger(event_name, payload=None) queues an explicit event emission.
func (s *state) trigger(thread *sl.Thread, b *sl.Builtin, args sl.Tuple, kwargs []sl.Tuple) (sl.Value, error) {
	var eventName string
	var payload sl.Value = sl.None
	if err := sl.UnpackArgs(b.Name(), args, kwargs, "event_name", &eventName, "payload?", &payload); err != nil {
		return nil, err
	}
	raw, err := encodeResult(thread, payload)
	if err != nil {
		return nil, err
	}
	s.triggers = append(s.triggers, handler.TriggeredEvent{EventName: eventName, Payload: raw})
	return sl.None, nil
}

// set_auto_payload(event_name, payload) chooses the payload a declared
// trigger publishes with.
func (s *state) setAutoPayload(thread *sl.Thread, b *sl.Builtin, args sl.Tuple, kwargs []sl.Tuple) (sl.Value, error) {
	var eventName string
	var payload sl.Value
	if err := sl.UnpackArgs(b.Name(), args, kwargs, "event_name", &eventName, "payload", &payload); err != nil {
		return nil, err
	}
	raw, err := encodeResult(thread, payload)
	if err != nil {
		return nil, err
	}
	if s.autoPayloads == nil {
		s.autoPayloads = make(map[string]json.RawMessage)
	}
	s.autoPayloads[eventName] = raw
	return sl.None, nil
}
