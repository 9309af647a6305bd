package db

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"realtime-bindings/pkg/reactor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicEffectResubscribesOnlyOnRoomOrTopic(t *testing.T) {
	core := newFakeReactor()
	d := New(core, nil)
	room := d.Room("chat", "r1")

	var got []string
	e := d.UseTopicEffect(room, "emoji", func(data map[string]any, _ reactor.PresenceData) {
		got = append(got, "first:"+data["name"].(string))
	})

	// A new handler is picked up without resubscribing.
	e.Update(d.Room("other-type", "r1"), "emoji", func(data map[string]any, _ reactor.PresenceData) {
		got = append(got, "second:"+data["name"].(string))
	})
	core.pushTopic("r1", "emoji", map[string]any{"name": "wave"}, nil)

	e.Update(room, "cursor", func(map[string]any, reactor.PresenceData) {})
	e.Close()
	e.Close()

	assert.Equal(t, []string{"second:wave"}, got)
	assert.Equal(t, []string{
		"subscribe-topic:r1/emoji",
		"unsubscribe-topic:r1/emoji",
		"subscribe-topic:r1/cursor",
		"unsubscribe-topic:r1/cursor",
	}, core.Events())
}

func TestPublishTopicJoinsIndependently(t *testing.T) {
	core := newFakeReactor()
	d := New(core, nil)

	p := d.UsePublishTopic(d.Room("chat", "r1"), "emoji")
	require.NoError(t, p.Publish(map[string]any{"name": "wave"}))

	p.Update(d.Room("chat", "r1"), "cursor")
	p.Update(d.Room("chat", "r2"), "cursor")
	require.NoError(t, p.Publish(map[string]any{"x": 1}))
	p.Close()

	assert.Equal(t, []string{"join:r1", "leave:r1", "join:r2", "leave:r2"}, core.Events())
	assert.Equal(t, []reactor.TopicMessage{
		{RoomType: "chat", RoomID: "r1", Topic: "emoji", Data: map[string]any{"name": "wave"}},
		{RoomType: "chat", RoomID: "r2", Topic: "cursor", Data: map[string]any{"x": 1}},
	}, core.topics)

	assert.Error(t, p.Publish(map[string]any{}), "closed publisher refuses")
}

func TestPublishFailureIsReturned(t *testing.T) {
	core := newFakeReactor()
	core.publishErr = errors.New("room not joined")
	d := New(core, nil)

	p := d.UsePublishTopic(d.Room("chat", "r1"), "emoji")
	defer p.Close()
	err := p.Publish(map[string]any{})
	assert.ErrorIs(t, err, core.publishErr)

	pres := d.UsePresence(d.Room("chat", "r1"), reactor.PresenceOpts{})
	defer pres.Close()
	assert.ErrorIs(t, pres.PublishPresence(reactor.PresenceData{"x": 1}), core.publishErr)
}

func TestUsePresenceSeedsAndKeys(t *testing.T) {
	core := newFakeReactor()
	known := &reactor.PresenceSnapshot{
		Peers: map[string]reactor.PresencePeer{"p1": {PeerID: "p1", Data: reactor.PresenceData{"name": "ann"}}},
	}
	core.presence["chat/r1"] = known
	d := New(core, nil)

	sub := d.UsePresence(d.Room("chat", "r1"), reactor.PresenceOpts{Keys: []string{"name"}})
	defer sub.Close()
	assert.Equal(t, *known, sub.State())

	// Equal slices with fresh identity do not resubscribe.
	sub.Update(d.Room("chat", "r1"), reactor.PresenceOpts{Keys: []string{"name"}})
	assert.Equal(t, 1, countPrefix(core.Events(), "subscribe-presence:"))

	f := false
	sub.Update(d.Room("chat", "r1"), reactor.PresenceOpts{Keys: []string{"name"}, User: &f})
	assert.Equal(t, 2, countPrefix(core.Events(), "subscribe-presence:"))

	sub.Update(d.Room("chat", "r2"), reactor.PresenceOpts{Keys: []string{"name"}, User: &f})
	assert.Equal(t, reactor.PresenceSnapshot{Peers: map[string]reactor.PresencePeer{}, IsLoading: true}, sub.State())

	next := reactor.PresenceSnapshot{Peers: map[string]reactor.PresencePeer{"p2": {PeerID: "p2"}}}
	core.pushPresence(next)
	assert.Equal(t, next, sub.State())
}

func TestUseSyncPresenceKeysJoinAndPublishSeparately(t *testing.T) {
	core := newFakeReactor()
	d := New(core, nil)
	room := d.Room("chat", "r1")

	p := d.UseSyncPresence(room, reactor.PresenceData{"name": "ann"})
	p.Update(room, reactor.PresenceData{"name": "ann"})
	p.Update(room, reactor.PresenceData{"name": "bob"})
	p.Update(room, reactor.PresenceData{"name": "carl", "color": "red"}, "pinned")
	p.Update(room, reactor.PresenceData{"name": "dora"}, "pinned")
	require.NoError(t, p.Err())
	p.Close()

	assert.Equal(t, []string{"join:r1", "leave:r1"}, core.Events())
	var names []any
	for _, pub := range core.Published() {
		names = append(names, pub.data["name"])
	}
	assert.Equal(t, []any{"ann", "bob", "carl"}, names)
}

func TestTypingIndicatorTimeout(t *testing.T) {
	short := 30 * time.Millisecond
	zero := time.Duration(0)

	nullPublishes := func(core *fakeReactor) int {
		n := 0
		for _, pub := range core.Published() {
			if v, ok := pub.data["message"]; ok && v == nil {
				n++
			}
		}
		return n
	}

	t.Run("fires once", func(t *testing.T) {
		core := newFakeReactor()
		d := New(core, nil)
		ti := d.UseTypingIndicator(d.Room("chat", "r1"), "message", TypingIndicatorOpts{Timeout: &short})
		defer ti.Close()

		require.NoError(t, ti.SetActive(true))
		assert.Eventually(t, func() bool { return nullPublishes(core) == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(2 * short)
		assert.Equal(t, 1, nullPublishes(core))
	})

	t.Run("set inactive suppresses", func(t *testing.T) {
		core := newFakeReactor()
		d := New(core, nil)
		ti := d.UseTypingIndicator(d.Room("chat", "r1"), "message", TypingIndicatorOpts{Timeout: &short})
		defer ti.Close()

		require.NoError(t, ti.SetActive(true))
		require.NoError(t, ti.SetActive(false))
		time.Sleep(3 * short)
		assert.Zero(t, nullPublishes(core))
		assert.Equal(t, reactor.PresenceData{"message": false}, core.Published()[1].data)
	})

	t.Run("zero disables", func(t *testing.T) {
		core := newFakeReactor()
		d := New(core, nil)
		ti := d.UseTypingIndicator(d.Room("chat", "r1"), "message", TypingIndicatorOpts{Timeout: &zero})
		defer ti.Close()

		require.NoError(t, ti.SetActive(true))
		assert.False(t, ti.timer.Armed())
		time.Sleep(2 * short)
		assert.Zero(t, nullPublishes(core))
	})

	t.Run("default timeout", func(t *testing.T) {
		core := newFakeReactor()
		d := New(core, nil)
		ti := d.UseTypingIndicator(d.Room("chat", "r1"), "message", TypingIndicatorOpts{})
		defer ti.Close()

		require.NoError(t, ti.SetActive(true))
		assert.True(t, ti.timer.Armed())
	})
}

func TestTypingIndicatorKeysAndActive(t *testing.T) {
	core := newFakeReactor()
	d := New(core, nil)
	ti := d.UseTypingIndicator(d.Room("chat", "r1"), "message", TypingIndicatorOpts{StopOnEnter: true})
	defer ti.Close()

	var notified atomic.Int32
	ti.Watch(func() { notified.Add(1) })

	require.NoError(t, ti.OnKeyDown("a"))
	require.NoError(t, ti.OnKeyDown("Enter"))
	require.NoError(t, ti.OnBlur())
	pubs := core.Published()
	require.Len(t, pubs, 3)
	assert.Equal(t, true, pubs[0].data["message"])
	assert.Equal(t, false, pubs[1].data["message"])
	assert.Equal(t, false, pubs[2].data["message"])

	core.pushPresence(reactor.PresenceSnapshot{Peers: map[string]reactor.PresencePeer{
		"b": {PeerID: "b", Data: reactor.PresenceData{"message": true}},
		"a": {PeerID: "a", Data: reactor.PresenceData{"message": true}},
		"c": {PeerID: "c", Data: reactor.PresenceData{"message": nil}},
	}})
	assert.Equal(t, int32(1), notified.Load())
	active := ti.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].PeerID)
	assert.Equal(t, "b", active[1].PeerID)

	ti.Update(d.Room("chat", "r1"), "message", TypingIndicatorOpts{WriteOnly: true})
	assert.Empty(t, ti.Active())
}
