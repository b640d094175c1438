package app

import (
	"sync"
	"time"

	"pairchat/pkg/domain"
)

type typingKey struct {
	sender    domain.ID
	recipient domain.ID
}

type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

// typingTracker remembers active typing indicators and expires them after a
// quiet period. Nothing here is persisted.
type typingTracker struct {
	mu      sync.Mutex
	timeout time.Duration
	active  map[typingKey]typingEntry
	gen     uint64
	expire  func(sender, recipient domain.ID)
}

func newTypingTracker(timeout time.Duration, expire func(sender, recipient domain.ID)) *typingTracker {
	return &typingTracker{
		timeout: timeout,
		active:  make(map[typingKey]typingEntry),
		expire:  expire,
	}
}

// start arms or re-arms the indicator for the pair.
func (t *typingTracker) start(sender, recipient domain.ID) {
	if t.timeout <= 0 {
		return
	}
	key := typingKey{sender: sender, recipient: recipient}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.active[key]; ok {
		prev.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.active[key] = typingEntry{
		gen:   gen,
		timer: time.AfterFunc(t.timeout, func() { t.fire(key, gen) }),
	}
}

func (t *typingTracker) fire(key typingKey, gen uint64) {
	t.mu.Lock()
	entry, ok := t.active[key]
	if !ok || entry.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.active, key)
	t.mu.Unlock()
	t.expire(key.sender, key.recipient)
}

// stop clears the indicator and reports whether it was active.
func (t *typingTracker) stop(sender, recipient domain.ID) bool {
	key := typingKey{sender: sender, recipient: recipient}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.active[key]
	if ok {
		entry.timer.Stop()
		delete(t.active, key)
	}
	return ok
}

// clearSender drops every indicator started by sender and returns the
// recipients that were being shown one.
func (t *typingTracker) clearSender(sender domain.ID) []domain.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var recipients []domain.ID
	for key, entry := range t.active {
		if key.sender != sender {
			continue
		}
		entry.timer.Stop()
		delete(t.active, key)
		recipients = append(recipients, key.recipient)
	}
	return recipients
}

func (t *typingTracker) isActive(sender, recipient domain.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[typingKey{sender: sender, recipient: recipient}]
	return ok
}

func (t *typingTracker) keys() []typingKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]typingKey, 0, len(t.active))
	for key := range t.active {
		out = append(out, key)
	}
	return out
}
