// Package identity resolves the authorization attributes of calling actors:
// a numeric trust score and a set of granted capabilities. The kernel treats
// the lookup as synchronous and cacheable; the backing directory (IdP, token
// issuer, static table) is an external collaborator.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrActorUnknown is returned when the directory has no entry for an actor.
var ErrActorUnknown = errors.New("identity: actor unknown")

// Attributes are the authorization attributes of one actor.
type Attributes struct {
	ActorID      string   `json:"actor_id"`
	TenantID     string   `json:"tenant_id,omitempty"`
	TrustScore   float64  `json:"trust_score"`
	Capabilities []string `json:"capabilities"`
}

// HasCapability reports whether the actor holds the named capability.
func (a Attributes) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// HasAllCapabilities reports whether the actor holds every listed capability.
func (a Attributes) HasAllCapabilities(caps []string) bool {
	for _, c := range caps {
		if !a.HasCapability(c) {
			return false
		}
	}
	return true
}

// MissingCapabilities returns the required capabilities the actor lacks,
// sorted for stable error messages.
func (a Attributes) MissingCapabilities(required []string) []string {
	var missing []string
	for _, c := range required {
		if !a.HasCapability(c) {
			missing = append(missing, c)
		}
	}
	sort.Strings(missing)
	return missing
}

// Directory resolves actor attributes. Implementations must be safe for
// concurrent use.
type Directory interface {
	Lookup(ctx context.Context, actorID string) (Attributes, error)
}

// StaticDirectory is a fixed in-memory directory for tests and bootstrap.
type StaticDirectory struct {
	mu     sync.RWMutex
	actors map[string]Attributes
}

// NewStaticDirectory creates a directory seeded with the given actors.
func NewStaticDirectory(actors ...Attributes) *StaticDirectory {
	d := &StaticDirectory{actors: make(map[string]Attributes, len(actors))}
	for _, a := range actors {
		d.actors[a.ActorID] = a
	}
	return d
}

// Put inserts or replaces an actor entry.
func (d *StaticDirectory) Put(a Attributes) {
	d.mu.Lock()
	d.actors[a.ActorID] = a
	d.mu.Unlock()
}

// Lookup implements Directory.
func (d *StaticDirectory) Lookup(ctx context.Context, actorID string) (Attributes, error) {
	d.mu.RLock()
	a, ok := d.actors[actorID]
	d.mu.RUnlock()
	if !ok {
		return Attributes{}, fmt.Errorf("%w: %s", ErrActorUnknown, actorID)
	}
	return a, nil
}
