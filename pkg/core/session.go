package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// SessionMeta describes one attached display client.
type SessionMeta struct {
	ID         string            `json:"id"`
	RemoteAddr string            `json:"remoteAddr"`
	CreatedAt  time.Time         `json:"createdAt"`
	LastSeen   time.Time         `json:"lastSeen"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SubscriptionMeta is a bus prefix a session listens to, optionally decoded with a field table.
type SubscriptionMeta struct {
	Prefix     string    `json:"prefix"`
	Page       string    `json:"page,omitempty"`
	Subscribed time.Time `json:"subscribed"`
}

type sessionEntry struct {
	meta SessionMeta
	subs map[string]SubscriptionMeta // prefix -> subscription
}

// InMemorySessionStore keeps display sessions for the lifetime of the process.
type InMemorySessionStore struct {
	mu      sync.RWMutex
	entries map[string]*sessionEntry
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{entries: make(map[string]*sessionEntry)}
}

// SaveSession creates or replaces a session's metadata. Subscriptions survive a replace.
func (ss *InMemorySessionStore) SaveSession(ctx context.Context, id string, meta SessionMeta) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	meta.ID = id
	if e, ok := ss.entries[id]; ok {
		e.meta = meta
		return nil
	}
	ss.entries[id] = &sessionEntry{meta: meta, subs: make(map[string]SubscriptionMeta)}
	return nil
}

func (ss *InMemorySessionStore) lookup(id string) (*sessionEntry, error) {
	e, ok := ss.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e, nil
}

func (ss *InMemorySessionStore) GetSession(ctx context.Context, id string) (SessionMeta, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	e, err := ss.lookup(id)
	if err != nil {
		return SessionMeta{}, err
	}
	return e.meta, nil
}

// Touch records activity on a session.
func (ss *InMemorySessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	e, err := ss.lookup(id)
	if err != nil {
		return err
	}
	e.meta.LastSeen = at
	return nil
}

func (ss *InMemorySessionStore) DeleteSession(ctx context.Context, id string) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	delete(ss.entries, id)
	return nil
}

// ListSessions returns sessions ordered by creation time.
func (ss *InMemorySessionStore) ListSessions(ctx context.Context) ([]SessionMeta, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	out := make([]SessionMeta, 0, len(ss.entries))
	for _, e := range ss.entries {
		out = append(out, e.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AddSubscription records sub under its prefix, replacing an earlier one for the same prefix.
func (ss *InMemorySessionStore) AddSubscription(ctx context.Context, sessionID string, sub SubscriptionMeta) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	e, err := ss.lookup(sessionID)
	if err != nil {
		return err
	}
	e.subs[sub.Prefix] = sub
	return nil
}

func (ss *InMemorySessionStore) RemoveSubscription(ctx context.Context, sessionID, prefix string) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if e, ok := ss.entries[sessionID]; ok {
		delete(e.subs, prefix)
	}
	return nil
}

// ListSubscriptions returns a session's subscriptions sorted by prefix.
func (ss *InMemorySessionStore) ListSubscriptions(ctx context.Context, sessionID string) ([]SubscriptionMeta, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	e, err := ss.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]SubscriptionMeta, 0, len(e.subs))
	for _, sub := range e.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out, nil
}
