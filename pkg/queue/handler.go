package queue

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/jg-phare/tether/pkg/events"
)

// Handler processes one dispatched event. A returned error (or a panic)
// schedules the event for redelivery to this handler.
type Handler interface {
	HandleEvent(ctx context.Context, ev events.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev events.Event) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, ev events.Event) error {
	return f(ctx, ev)
}

// Named handlers report their name in logs and HandlerErrors.
type Named interface {
	Name() string
}

// HandlerError reports a failed delivery to one handler.
type HandlerError struct {
	Handler string
	EventID string
	Err     error
	Panic   bool
}

func (e *HandlerError) Error() string {
	if e.Panic {
		return fmt.Sprintf("handler %s panicked on event %s: %v", e.Handler, e.EventID, e.Err)
	}
	return fmt.Sprintf("handler %s failed on event %s: %v", e.Handler, e.EventID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

type registration struct {
	id      int
	name    string
	kinds   []string
	handler Handler
}

func (r registration) accepts(kind string) bool {
	if len(r.kinds) == 0 {
		return true
	}
	for _, p := range r.kinds {
		if events.MatchKind(p, kind) {
			return true
		}
	}
	return false
}

// invoke runs one handler inside its own error boundary so a failing or
// panicking handler cannot affect the others or the dispatch worker.
func (r registration) invoke(ctx context.Context, ev events.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &HandlerError{
				Handler: r.name,
				EventID: ev.ID,
				Err:     fmt.Errorf("%v\n%s", p, debug.Stack()),
				Panic:   true,
			}
		}
	}()

	if herr := r.handler.HandleEvent(ctx, ev); herr != nil {
		return &HandlerError{Handler: r.name, EventID: ev.ID, Err: herr}
	}
	return nil
}
