package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemorySessionStore(t *testing.T) {
	ctx := context.Background()
	ss := NewInMemorySessionStore()
	now := time.Now()

	require.NoError(t, ss.SaveSession(ctx, "b", SessionMeta{RemoteAddr: "10.0.0.2:5000", CreatedAt: now.Add(time.Second)}))
	require.NoError(t, ss.SaveSession(ctx, "a", SessionMeta{RemoteAddr: "10.0.0.1:5000", CreatedAt: now}))

	meta, err := ss.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", meta.ID)

	sessions, err := ss.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "a", sessions[0].ID)

	require.NoError(t, ss.AddSubscription(ctx, "a", SubscriptionMeta{Prefix: "GroundSystem.Spacecraft2"}))
	require.NoError(t, ss.AddSubscription(ctx, "a", SubscriptionMeta{Prefix: "GroundSystem.Spacecraft1", Page: "ES HK Tlm"}))
	subs, err := ss.ListSubscriptions(ctx, "a")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "GroundSystem.Spacecraft1", subs[0].Prefix)
	assert.Equal(t, "ES HK Tlm", subs[0].Page)

	require.NoError(t, ss.RemoveSubscription(ctx, "a", "GroundSystem.Spacecraft1"))
	subs, err = ss.ListSubscriptions(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	assert.ErrorIs(t, ss.AddSubscription(ctx, "zz", SubscriptionMeta{Prefix: "x"}), ErrSessionNotFound)

	seen := now.Add(time.Minute)
	require.NoError(t, ss.Touch(ctx, "a", seen))
	meta, err = ss.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, seen, meta.LastSeen)
	assert.ErrorIs(t, ss.Touch(ctx, "zz", seen), ErrSessionNotFound)

	// replacing metadata keeps subscriptions
	require.NoError(t, ss.SaveSession(ctx, "a", SessionMeta{RemoteAddr: "10.0.0.9:5000", CreatedAt: now}))
	subs, err = ss.ListSubscriptions(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	require.NoError(t, ss.DeleteSession(ctx, "a"))
	_, err = ss.GetSession(ctx, "a")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = ss.ListSubscriptions(ctx, "a")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
