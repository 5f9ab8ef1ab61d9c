package directory

import (
	"context"
	"sync"
	"time"
)

// localDirectory is the disabled-mode implementation: a process-local map
// with identical semantics to the shared mode but no cross-replica
// visibility (spec §4.1). With this mode, the Router always handles
// locally — there is exactly one replica and no forwarding.
type localDirectory struct {
	mu    sync.Mutex
	kv    map[string]localEntry
	sets  map[string]map[string]struct{}
	subs  map[string][]chan string
}

type localEntry struct {
	value    string
	deadline time.Time // zero means no expiry
}

// NewLocal returns a disabled-mode Directory.
func NewLocal() Directory {
	return &localDirectory{
		kv:   make(map[string]localEntry),
		sets: make(map[string]map[string]struct{}),
		subs: make(map[string][]chan string),
	}
}

func (d *localDirectory) Mode() Mode { return ModeDisabled }

func (d *localDirectory) Get(_ context.Context, key string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.kv[key]
	if !ok || d.expired(e) {
		return "", ErrAbsent
	}
	return e.value, nil
}

func (d *localDirectory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := localEntry{value: value}
	if ttl > 0 {
		e.deadline = time.Now().Add(ttl)
	}
	d.kv[key] = e
	return nil
}

func (d *localDirectory) Delete(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.kv, key)
	return nil
}

func (d *localDirectory) SetAdd(_ context.Context, key, member string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.sets[key]
	if !ok {
		set = make(map[string]struct{})
		d.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

func (d *localDirectory) SetRemove(_ context.Context, key, member string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok := d.sets[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(d.sets, key)
		}
	}
	return nil
}

func (d *localDirectory) SetMembers(_ context.Context, key string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.sets[key]
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

// Publish fans a message out to every local Subscribe channel on the given
// channel name. There is no cross-replica delivery in disabled mode — there
// is only one replica.
func (d *localDirectory) Publish(_ context.Context, channel, message string) error {
	d.mu.Lock()
	subs := append([]chan string(nil), d.subs[channel]...)
	d.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- message:
		default:
		}
	}
	return nil
}

func (d *localDirectory) Subscribe(_ context.Context, channel string) (<-chan string, func(), error) {
	ch := make(chan string, 16)
	d.mu.Lock()
	d.subs[channel] = append(d.subs[channel], ch)
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		subs := d.subs[channel]
		for i, c := range subs {
			if c == ch {
				d.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, cancel, nil
}

func (d *localDirectory) Ping(_ context.Context) (time.Duration, error) {
	return 0, nil
}

func (d *localDirectory) Close() error { return nil }

func (d *localDirectory) expired(e localEntry) bool {
	return !e.deadline.IsZero() && time.Now().After(e.deadline)
}
