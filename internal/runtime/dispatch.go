package runtime

import (
	"context"
	"fmt"
	"sort"

	errspkg "github.com/flowmq/flowmq/internal/runtime/errors"
)

// Dispatcher routes inbound messages to processing functions by the event
// name header. Routes are declared at registration time and frozen once the
// owning worker starts; there is no runtime route discovery.
type Dispatcher struct {
	routes   map[string]ProcessFunc
	fallback ProcessFunc
	frozen   bool
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{routes: make(map[string]ProcessFunc)}
}

// On binds event to fn. Binding an empty event name, a nil function, an
// already-bound event, or binding after the dispatcher started all fail.
func (d *Dispatcher) On(event string, fn ProcessFunc) error {
	if event == "" {
		return fmt.Errorf("flowmq: dispatch: event name is required")
	}
	if fn == nil {
		return errspkg.ErrProcessorRequired
	}
	if d.frozen {
		return fmt.Errorf("flowmq: dispatch: cannot bind %q after start", event)
	}
	if _, exists := d.routes[event]; exists {
		return fmt.Errorf("flowmq: dispatch: event %q already bound", event)
	}
	d.routes[event] = fn
	return nil
}

// Fallback sets the function invoked for messages whose event name has no
// route. Without a fallback such messages fail permanently.
func (d *Dispatcher) Fallback(fn ProcessFunc) {
	d.fallback = fn
}

// Events returns the bound event names, sorted.
func (d *Dispatcher) Events() []string {
	events := make([]string, 0, len(d.routes))
	for event := range d.routes {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (d *Dispatcher) freeze() {
	d.frozen = true
}

// Handle implements ProcessFunc by routing on the message's event header.
// An unroutable message is a permanent failure: redelivering it cannot make
// a route appear, so it goes straight to the dead letter path.
func (d *Dispatcher) Handle(ctx context.Context, msg *Inbound) ([]Outbound, error) {
	event := msg.Event()
	if fn, ok := d.routes[event]; ok {
		return fn(ctx, msg)
	}
	if d.fallback != nil {
		return d.fallback(ctx, msg)
	}
	return nil, errspkg.Permanent(fmt.Errorf("flowmq: dispatch: no route for event %q", event))
}
