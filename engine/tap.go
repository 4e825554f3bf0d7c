package engine

import "sync"

// Tap fans raw engine output out to any number of subscribers.
// Publishing never blocks: a subscriber that falls behind loses lines.
type Tap struct {
	m      sync.Mutex
	closed bool
	subs   map[chan string]struct{}
}

func NewTap() *Tap {
	return &Tap{subs: map[chan string]struct{}{}}
}

// Subscribe returns a channel of output lines and a function that unsubscribes and closes it.
func (t *Tap) Subscribe(buf int) (<-chan string, func()) {
	ch := make(chan string, buf)
	t.m.Lock()
	defer t.m.Unlock()
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	t.subs[ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() { t.remove(ch) })
	}
}

func (t *Tap) remove(ch chan string) {
	t.m.Lock()
	defer t.m.Unlock()
	if _, ok := t.subs[ch]; ok {
		delete(t.subs, ch)
		close(ch)
	}
}

func (t *Tap) Publish(line string) {
	t.m.Lock()
	defer t.m.Unlock()
	for ch := range t.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (t *Tap) Close() {
	t.m.Lock()
	defer t.m.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for ch := range t.subs {
		close(ch)
	}
	t.subs = nil
}

func (t *Tap) Len() int {
	t.m.Lock()
	defer t.m.Unlock()
	return len(t.subs)
}
