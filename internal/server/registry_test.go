package server

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/justchat/internal/protocol"
)

func newDetachedClient(name string) *Client {
	return NewClient(nil, name, 4)
}

func TestRegistryRegisterAssignsUniqueUUIDs(t *testing.T) {
	const n = 50
	r := NewRegistry(n, nil)
	seen := make(map[string]bool, n)

	for i := 0; i < n; i++ {
		identity, err := r.Register(newDetachedClient("same-name"))
		require.NoError(t, err)
		_, perr := uuid.Parse(identity.UUID)
		require.NoError(t, perr)
		assert.False(t, seen[identity.UUID], "uuid %s assigned twice", identity.UUID)
		seen[identity.UUID] = true
		assert.Equal(t, i+1, r.Len())
	}
}

func TestRegistryRejectsBeyondLimit(t *testing.T) {
	r := NewRegistry(2, nil)
	for i := 0; i < 2; i++ {
		_, err := r.Register(newDetachedClient(fmt.Sprintf("client-%d", i)))
		require.NoError(t, err)
	}
	before := r.List()

	for i := 0; i < 3; i++ {
		_, err := r.Register(newDetachedClient("late"))
		assert.ErrorIs(t, err, ErrConnectionLimitExceeded)
		assert.Equal(t, 2, r.Len())
	}
	assert.Equal(t, before, r.List())
}

func TestRegistryConcurrentRegisterNeverExceedsLimit(t *testing.T) {
	const limit = 10
	r := NewRegistry(limit, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Register(newDetachedClient("racer")); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, accepted)
	assert.Equal(t, limit, r.Len())
}

func TestRegistryKeepsRequestedUUID(t *testing.T) {
	r := NewRegistry(4, nil)
	requested := uuid.NewString()

	c := newDetachedClient("alice")
	c.identity.UUID = requested
	identity, err := r.Register(c)
	require.NoError(t, err)
	assert.Equal(t, requested, identity.UUID)

	dup := newDetachedClient("bob")
	dup.identity.UUID = requested
	_, err = r.Register(dup)
	assert.ErrorIs(t, err, ErrDuplicateUUID)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRejectsInvalidIdentity(t *testing.T) {
	tests := []struct {
		name     string
		identity protocol.SimpleClient
	}{
		{name: "empty name", identity: protocol.SimpleClient{}},
		{name: "control characters", identity: protocol.SimpleClient{Name: "bad\nname"}},
		{name: "malformed uuid", identity: protocol.SimpleClient{Name: "alice", UUID: "not-a-uuid"}},
	}

	r := NewRegistry(4, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newDetachedClient(tt.identity.Name)
			c.identity.UUID = tt.identity.UUID
			_, err := r.Register(c)
			assert.ErrorIs(t, err, ErrInvalidIdentity)
			assert.Zero(t, r.Len())
		})
	}
}

func TestRegistryUnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry(4, nil)
	a, err := r.Register(newDetachedClient("a"))
	require.NoError(t, err)
	_, err = r.Register(newDetachedClient("b"))
	require.NoError(t, err)
	before := r.List()

	r.Unregister(uuid.NewString())
	assert.Equal(t, before, r.List())

	r.Unregister(a.UUID)
	r.Unregister(a.UUID)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, before[1:], r.List())
}

func TestRegistryListIsOrderedSnapshot(t *testing.T) {
	r := NewRegistry(8, nil)
	var want []protocol.SimpleClient
	for _, name := range []string{"first", "second", "third", "fourth"} {
		identity, err := r.Register(newDetachedClient(name))
		require.NoError(t, err)
		want = append(want, identity)
	}

	snapshot := r.List()
	assert.Equal(t, want, snapshot)

	r.Unregister(want[1].UUID)
	_, err := r.Register(newDetachedClient("fifth"))
	require.NoError(t, err)

	assert.Equal(t, want, snapshot, "snapshot must not change with the registry")
	names := []string{}
	for _, c := range r.List() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"first", "third", "fourth", "fifth"}, names)
}

func TestRegistryListenerSeesNewClient(t *testing.T) {
	r := NewRegistry(4, nil)

	var seen []protocol.SimpleClient
	var listed bool
	r.OnRegister(func(client protocol.SimpleClient) {
		seen = append(seen, client)
		for _, c := range r.List() {
			if c == client {
				listed = true
			}
		}
	})

	identity, err := r.Register(newDetachedClient("alice"))
	require.NoError(t, err)
	assert.Equal(t, []protocol.SimpleClient{identity}, seen)
	assert.True(t, listed)
}

func TestRegistryListenerPanicIsContained(t *testing.T) {
	r := NewRegistry(4, nil)
	calls := 0
	r.OnRegister(func(protocol.SimpleClient) { panic("boom") })
	r.OnRegister(func(protocol.SimpleClient) { calls++ })

	_, err := r.Register(newDetachedClient("alice"))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryOffRegister(t *testing.T) {
	r := NewRegistry(4, nil)
	calls := 0
	sub := r.OnRegister(func(protocol.SimpleClient) { calls++ })

	assert.True(t, r.OffRegister(sub))
	assert.False(t, r.OffRegister(sub))

	_, err := r.Register(newDetachedClient("alice"))
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestRegistryUnregisterClosesQueue(t *testing.T) {
	r := NewRegistry(4, nil)
	c := newDetachedClient("alice")
	identity, err := r.Register(c)
	require.NoError(t, err)

	require.NoError(t, r.deliver(c, []byte("frame")))
	r.Unregister(identity.UUID)

	assert.ErrorIs(t, r.deliver(c, []byte("late")), ErrClientDisconnected)
	_, stillRegistered := r.Lookup(identity.UUID)
	assert.False(t, stillRegistered)

	<-c.send
	_, open := <-c.send
	assert.False(t, open, "send queue must be closed")
}

func TestRegistryRemoveIgnoresStaleRecord(t *testing.T) {
	r := NewRegistry(4, nil)
	owner := newDetachedClient("owner")
	identity, err := r.Register(owner)
	require.NoError(t, err)

	impostor := newDetachedClient("impostor")
	impostor.identity.UUID = identity.UUID
	r.remove(impostor)

	current, ok := r.Lookup(identity.UUID)
	require.True(t, ok)
	assert.Same(t, owner, current)
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry(4, nil)
	for _, name := range []string{"a", "b", "c"} {
		_, err := r.Register(newDetachedClient(name))
		require.NoError(t, err)
	}

	removed, err := r.CloseAll()
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Zero(t, r.Len())

	removed, err = r.CloseAll()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRegistryRefusesRegistrationAfterCloseAll(t *testing.T) {
	r := NewRegistry(4, nil)
	_, err := r.CloseAll()
	require.NoError(t, err)

	late := newDetachedClient("late")
	_, err = r.Register(late)
	assert.ErrorIs(t, err, ErrServerStopped)
	assert.Zero(t, r.Len())
	assert.Empty(t, r.List())
}

func TestRegistryCloseAllReportsCloseErrors(t *testing.T) {
	r := NewRegistry(4, nil)
	_, err := r.Register(NewClient(newFailingTransport(t), "broken", 4))
	require.NoError(t, err)
	_, err = r.Register(newDetachedClient("fine"))
	require.NoError(t, err)

	removed, err := r.CloseAll()
	assert.Equal(t, 2, removed)
	require.Error(t, err)
	assert.ErrorIs(t, err, errTransportClose)
	assert.Zero(t, r.Len(), "clients are removed even when their close fails")
}
