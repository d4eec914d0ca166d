package eventbus

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Handler processes one delivered event. Handlers are invoked concurrently
// and retried on failure; they must tolerate occasional duplicate delivery
// (key idempotence on the event ID).
type Handler func(ctx context.Context, event *Event) error

// Subscription describes one registered handler.
type Subscription struct {
	id string

	// Module is the module name this subscription belongs to. Required for
	// cascade routing and targeted delivery; plain observers may leave it
	// empty and will never receive targeted or cascade events.
	Module string

	// Types is the set of event types delivered. Empty subscribes to all
	// declared types.
	Types []EventType

	// MinPriority drops events below this priority.
	MinPriority Priority

	// Filter optionally narrows matching with a compiled CEL predicate.
	Filter *Filter

	// Handler receives matching events.
	Handler Handler
}

// ID returns the subscription identifier used for unsubscribe and
// dead-letter attribution.
func (s *Subscription) ID() string { return s.id }

func (s *Subscription) validate() error {
	if s.Handler == nil {
		return fmt.Errorf("eventbus: subscription without handler")
	}
	for _, t := range s.Types {
		if !IsDeclared(t) {
			return fmt.Errorf("eventbus: subscription names undeclared type %q", t)
		}
	}
	return nil
}

// matches reports whether the subscription should receive the event. Filter
// evaluation errors are reported so the bus can log them; they never match.
func (s *Subscription) matches(e *Event) (bool, error) {
	if e.Priority < s.MinPriority {
		return false, nil
	}
	if len(s.Types) > 0 {
		found := false
		for _, t := range s.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	if len(e.TargetModules) > 0 {
		targeted := false
		for _, m := range e.TargetModules {
			if m != "" && m == s.Module {
				targeted = true
				break
			}
		}
		if !targeted {
			return false, nil
		}
	}
	if s.Filter != nil {
		return s.Filter.Matches(e)
	}
	return true, nil
}

func newSubscriptionID() string { return uuid.NewString() }
