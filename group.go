package bouncer

import (
	"sync"
)

// Group keeps one Bouncer per key, all built from the same options. Keys
// are independent: a burst on one key never delays another.
type Group struct {
	mu      sync.Mutex
	fn      func(key string)
	opts    []Option
	members map[string]*member
}

type member struct {
	*Bouncer
	firing int // Fire calls in progress; Prune keeps the member meanwhile
}

// NewGroup returns a Group calling fn with the key of the bouncer that
// settled or ticked. Any WithFunc among opts is ignored.
func NewGroup(fn func(key string), opts ...Option) (*Group, error) {
	if _, err := buildOptions(opts).settings(); err != nil {
		return nil, err
	}
	if fn == nil {
		fn = func(string) {}
	}

	return &Group{
		fn:      fn,
		opts:    append([]Option(nil), opts...),
		members: make(map[string]*member),
	}, nil
}

// Fire signals key, creating its bouncer on first use.
func (g *Group) Fire(key string) {
	g.mu.Lock()
	m, ok := g.members[key]
	if !ok {
		m = &member{Bouncer: g.newMember(key)}
		g.members[key] = m
	}
	m.firing++
	g.mu.Unlock()

	m.Fire()

	g.mu.Lock()
	m.firing--
	g.mu.Unlock()
}

// Cancel closes the window of key, if any.
func (g *Group) Cancel(key string) {
	g.mu.Lock()
	m, ok := g.members[key]
	g.mu.Unlock()

	if ok {
		m.Cancel()
	}
}

// CancelAll closes every open window.
func (g *Group) CancelAll() {
	for _, b := range g.snapshot() {
		b.Cancel()
	}
}

// Active reports whether key has an open window.
func (g *Group) Active(key string) bool {
	g.mu.Lock()
	m, ok := g.members[key]
	g.mu.Unlock()

	return ok && m.Active()
}

// Len returns the number of keys with a bouncer.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Prune forgets the bouncers of keys without an open window and returns
// how many were dropped. A key being fired is never dropped.
func (g *Group) Prune() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for key, m := range g.members {
		if m.firing == 0 && !m.Active() {
			delete(g.members, key)
			n++
		}
	}
	return n
}

func (g *Group) snapshot() []*Bouncer {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*Bouncer, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m.Bouncer)
	}
	return out
}

func (g *Group) newMember(key string) *Bouncer {
	opts := make([]Option, 0, len(g.opts)+1)
	opts = append(opts, g.opts...)
	opts = append(opts, WithFunc(func() { g.fn(key) }))

	// the options were validated in NewGroup
	b, _ := New(opts...)
	return b
}
