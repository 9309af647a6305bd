package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"realtime-bindings/pkg/reactor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionStatusIsGatedButAuthIsNot(t *testing.T) {
	core := newFakeReactor()
	d := New(core, nil)

	status := d.UseConnectionStatus()
	defer status.Close()
	auth := d.UseAuth()
	defer auth.Close()

	statusCalls, authCalls := 0, 0
	status.Watch(func() { statusCalls++ })
	auth.Watch(func() { authCalls++ })

	core.pushStatus(reactor.StatusOpened)
	core.pushStatus(reactor.StatusOpened)
	user := &reactor.User{ID: "u1"}
	core.pushAuth(reactor.AuthResult{User: user})
	core.pushAuth(reactor.AuthResult{User: user})

	assert.Equal(t, 1, statusCalls)
	assert.Equal(t, 2, authCalls)
	assert.Equal(t, reactor.StatusOpened, status.State())
}

func TestInitialStates(t *testing.T) {
	core := newFakeReactor()
	core.status = reactor.StatusAuthenticated
	d := New(core, nil)

	status := d.UseConnectionStatus()
	defer status.Close()
	auth := d.UseAuth()
	defer auth.Close()

	assert.Equal(t, reactor.StatusConnecting, status.InitialState())
	assert.Equal(t, reactor.StatusAuthenticated, status.State())
	assert.Equal(t, AuthState{IsLoading: true}, auth.InitialState())
	assert.Equal(t, AuthState{IsLoading: true}, auth.State())
}

func TestSignedInSignedOutFailClosed(t *testing.T) {
	user := &reactor.User{ID: "u1"}
	tests := []struct {
		name      string
		state     AuthState
		signedIn  bool
		signedOut bool
	}{
		{"loading", AuthState{IsLoading: true}, false, false},
		{"error", AuthState{Error: errors.New("boom")}, false, false},
		{"signed in", AuthState{User: user}, true, false},
		{"signed out", AuthState{}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.signedIn, SignedIn(tt.state))
			assert.Equal(t, tt.signedOut, SignedOut(tt.state))
		})
	}
}

func TestAuthSubscriptionRenderHelpers(t *testing.T) {
	core := newFakeReactor()
	d := New(core, nil)
	auth := d.UseAuth()
	defer auth.Close()

	rendered := ""
	assert.False(t, auth.SignedIn(func(u reactor.User) { rendered = u.ID }))
	assert.False(t, auth.SignedOut(func() { rendered = "out" }))
	assert.Empty(t, rendered)

	core.pushAuth(reactor.AuthResult{User: &reactor.User{ID: "u1"}})
	assert.True(t, auth.SignedIn(func(u reactor.User) { rendered = u.ID }))
	assert.Equal(t, "u1", rendered)

	core.pushAuth(reactor.AuthResult{User: &reactor.User{ID: "u1"}, Error: errors.New("expired")})
	assert.Nil(t, auth.State().User, "an auth error never carries a user")
	assert.False(t, auth.SignedOut(func() { rendered = "out" }))
}

func TestUseUserPanicsWhenSignedOut(t *testing.T) {
	core := newFakeReactor()
	d := New(core, nil)
	sub := d.UseUser()
	defer sub.Close()

	_, err := sub.LookupUser()
	assert.ErrorIs(t, err, ErrUnauthenticatedUse)
	assert.PanicsWithError(t, err.Error(), func() { sub.User() })

	core.pushAuth(reactor.AuthResult{User: &reactor.User{ID: "u1", Email: "a@b.c"}})
	assert.Equal(t, "a@b.c", sub.User().Email)
}

func TestQueryOnceRequiresAuthenticatedConnection(t *testing.T) {
	core := newFakeReactor()
	core.onceResult = reactor.OnceResult{Data: map[string]any{"goals": []any{}}}
	d := New(core, nil)

	for _, status := range []reactor.ConnectionStatus{reactor.StatusConnecting, reactor.StatusOpened, reactor.StatusClosed} {
		core.status = status
		_, err := d.QueryOnce(context.Background(), reactor.Query{"goals": map[string]any{}}, nil)
		assert.ErrorIs(t, err, ErrNotConnected, status)
	}

	core.status = reactor.StatusAuthenticated
	res, err := d.QueryOnce(context.Background(), reactor.Query{"goals": map[string]any{}}, nil)
	require.NoError(t, err)
	assert.Equal(t, core.onceResult, res)
}

func TestTransactForwardsChunks(t *testing.T) {
	core := newFakeReactor()
	d := New(core, nil)

	res, err := d.Transact(context.Background(),
		reactor.TxChunk{Namespace: "goals", ID: "g1", Action: "update", Args: map[string]any{"title": "x"}},
		reactor.TxChunk{Namespace: "goals", ID: "g2", Action: "delete"},
	)
	require.NoError(t, err)
	assert.Equal(t, reactor.TxSynced, res.Status)
	require.Len(t, core.txs, 1)
	assert.Len(t, core.txs[0], 2)
}

func TestRoomDefaults(t *testing.T) {
	d := New(newFakeReactor(), nil)

	r := d.Room("", "")
	assert.Equal(t, reactor.DefaultRoomType, r.Type)
	assert.Equal(t, reactor.DefaultRoomID, r.ID)
	assert.True(t, d.Room("chat", "1").Same(d.Room("chat", "1")))
	assert.False(t, d.Room("chat", "1").Same(d.Room("chat", "2")))
}

func TestUseLocalIDResolvesOncePerName(t *testing.T) {
	core := newFakeReactor()
	d := New(core, nil)

	h := d.UseLocalID("device")
	defer h.Close()
	assert.Eventually(t, func() bool { _, ok := h.Value(); return ok }, time.Second, 5*time.Millisecond)
	first, _ := h.Value()

	h.Update("device")
	h.Update("device")
	id, _ := h.Value()
	assert.Equal(t, first, id)

	core.mu.Lock()
	calls := core.localCalls
	core.mu.Unlock()
	assert.Equal(t, 1, calls)

	h.Update("browser")
	assert.Eventually(t, func() bool { v, _ := h.Value(); return v != first }, time.Second, 5*time.Millisecond)
}
