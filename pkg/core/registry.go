package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/kalifun/groundlink/pkg/types"
)

const (
	DefaultSourcePrefix = "Spacecraft"
	// AllSourcesName is the wildcard entry at ordinal 0. It is never assigned to a real source.
	AllSourcesName = "All"

	watchBuffer = 64
)

// DiscoveryRegistry maps network addresses to source names in first-seen order.
// One registry is shared by every listener in the process; an address is never forgotten.
type DiscoveryRegistry struct {
	prefix    string
	byAddress map[string]types.SourceIdentity
	ordered   []types.SourceIdentity
	watchers  []chan types.SourceIdentity
	mu        sync.RWMutex
	now       func() time.Time
}

// NewDiscoveryRegistry creates an empty registry naming sources "Spacecraft1", "Spacecraft2", ...
func NewDiscoveryRegistry() *DiscoveryRegistry {
	return NewDiscoveryRegistryWithPrefix(DefaultSourcePrefix)
}

func NewDiscoveryRegistryWithPrefix(prefix string) *DiscoveryRegistry {
	if prefix == "" {
		prefix = DefaultSourcePrefix
	}
	return &DiscoveryRegistry{
		prefix:    prefix,
		byAddress: make(map[string]types.SourceIdentity),
		now:       time.Now,
	}
}

// Resolve returns the identity for address, registering it when unseen.
// The second result is true exactly once per distinct address. Watchers are
// notified before Resolve returns.
func (dr *DiscoveryRegistry) Resolve(address string) (types.SourceIdentity, bool) {
	dr.mu.RLock()
	id, exists := dr.byAddress[address]
	dr.mu.RUnlock()
	if exists {
		return id, false
	}

	dr.mu.Lock()
	defer dr.mu.Unlock()

	// another listener may have won the race
	if id, exists = dr.byAddress[address]; exists {
		return id, false
	}

	ordinal := len(dr.ordered) + 1
	id = types.SourceIdentity{
		Address:   address,
		Name:      fmt.Sprintf("%s%d", dr.prefix, ordinal),
		Ordinal:   ordinal,
		FirstSeen: dr.now(),
	}
	dr.byAddress[address] = id
	dr.ordered = append(dr.ordered, id)

	for _, ch := range dr.watchers {
		select {
		case ch <- id:
		default:
		}
	}
	return id, true
}

// Lookup returns the identity of an already registered address.
func (dr *DiscoveryRegistry) Lookup(address string) (types.SourceIdentity, bool) {
	dr.mu.RLock()
	defer dr.mu.RUnlock()

	id, exists := dr.byAddress[address]
	return id, exists
}

// LookupName finds a registered source by its assigned name.
func (dr *DiscoveryRegistry) LookupName(name string) (types.SourceIdentity, error) {
	dr.mu.RLock()
	defer dr.mu.RUnlock()

	for _, id := range dr.ordered {
		if id.Name == name {
			return id, nil
		}
	}
	return types.SourceIdentity{}, fmt.Errorf("%w: %s", ErrSourceNotFound, name)
}

// Sources lists the synthetic "All" entry followed by every source in first-seen order.
func (dr *DiscoveryRegistry) Sources() []types.SourceIdentity {
	dr.mu.RLock()
	defer dr.mu.RUnlock()

	sources := make([]types.SourceIdentity, 0, len(dr.ordered)+1)
	sources = append(sources, types.SourceIdentity{Name: AllSourcesName})
	sources = append(sources, dr.ordered...)
	return sources
}

// Len returns the number of real sources registered.
func (dr *DiscoveryRegistry) Len() int {
	dr.mu.RLock()
	defer dr.mu.RUnlock()

	return len(dr.ordered)
}

// Watch returns a channel receiving every future discovery. Events are dropped
// for a watcher whose buffer is full.
func (dr *DiscoveryRegistry) Watch() <-chan types.SourceIdentity {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	ch := make(chan types.SourceIdentity, watchBuffer)
	dr.watchers = append(dr.watchers, ch)
	return ch
}

// Unwatch removes and closes a channel returned by Watch.
func (dr *DiscoveryRegistry) Unwatch(watch <-chan types.SourceIdentity) {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	for i, ch := range dr.watchers {
		if ch == watch {
			close(ch)
			dr.watchers = append(dr.watchers[:i], dr.watchers[i+1:]...)
			return
		}
	}
}
