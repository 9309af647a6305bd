package db

import (
	"sort"
	"sync"
	"time"

	"realtime-bindings/pkg/reactor"
)

// DefaultActivityStopTimeout is how long a typing flag stays up without keystrokes.
const DefaultActivityStopTimeout = time.Second

// TypingIndicatorOpts configures UseTypingIndicator.
type TypingIndicatorOpts struct {
	// Timeout before an active flag is cleared automatically. Nil uses
	// DefaultActivityStopTimeout; zero or negative never clears automatically.
	Timeout *time.Duration
	// StopOnEnter makes the Enter key count as "stopped typing".
	StopOnEnter bool
	// WriteOnly skips computing the active peers.
	WriteOnly bool
}

func (o TypingIndicatorOpts) timeout() time.Duration {
	if o.Timeout == nil {
		return DefaultActivityStopTimeout
	}
	return *o.Timeout
}

// TypingIndicator publishes a boolean presence key for one input and reports which peers
// currently have it set.
type TypingIndicator struct {
	d        *Database
	presence *PresenceSubscription
	timer    Timeout

	mu        sync.Mutex
	room      Room
	inputName string
	opts      TypingIndicatorOpts
}

// UseTypingIndicator watches presence in room narrowed to inputName.
func (d *Database) UseTypingIndicator(room Room, inputName string, opts TypingIndicatorOpts) *TypingIndicator {
	return &TypingIndicator{
		d:         d,
		presence:  d.UsePresence(room, reactor.PresenceOpts{Keys: []string{inputName}}),
		room:      room,
		inputName: inputName,
		opts:      opts,
	}
}

// Update re-renders the indicator with new arguments.
func (t *TypingIndicator) Update(room Room, inputName string, opts TypingIndicatorOpts) {
	t.mu.Lock()
	t.room, t.inputName, t.opts = room, inputName, opts
	t.mu.Unlock()
	t.presence.Update(room, reactor.PresenceOpts{Keys: []string{inputName}})
}

// Active lists the peers whose flag is true, ordered by peer id. It is always empty in
// write-only mode.
func (t *TypingIndicator) Active() []reactor.PresencePeer {
	t.mu.Lock()
	inputName, writeOnly := t.inputName, t.opts.WriteOnly
	t.mu.Unlock()

	active := []reactor.PresencePeer{}
	if writeOnly {
		return active
	}
	for _, peer := range t.presence.State().Peers {
		if v, ok := peer.Data[inputName].(bool); ok && v {
			active = append(active, peer)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].PeerID < active[j].PeerID })
	return active
}

// SetActive publishes the flag. Going active arms the stop timeout; going inactive
// disarms it.
func (t *TypingIndicator) SetActive(active bool) error {
	t.mu.Lock()
	room, inputName, opts := t.room, t.inputName, t.opts
	t.mu.Unlock()

	err := t.d.publishPresence(room, reactor.PresenceData{inputName: active})
	if !active {
		t.timer.Clear()
		return err
	}

	d := opts.timeout()
	if d <= 0 {
		return err
	}
	t.timer.Set(d, func() {
		_ = t.d.publishPresence(room, reactor.PresenceData{inputName: nil})
	})
	return err
}

// OnKeyDown marks the input active on any key, except Enter when StopOnEnter is set.
func (t *TypingIndicator) OnKeyDown(key string) error {
	t.mu.Lock()
	stopOnEnter := t.opts.StopOnEnter
	t.mu.Unlock()
	return t.SetActive(!(stopOnEnter && key == "Enter"))
}

// OnBlur always stops typing.
func (t *TypingIndicator) OnBlur() error {
	return t.SetActive(false)
}

func (t *TypingIndicator) Watch(fn func()) func() {
	return t.presence.Watch(fn)
}

func (t *TypingIndicator) Close() {
	t.timer.Close()
	t.presence.Close()
}
