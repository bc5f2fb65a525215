// File: internal/tags/pool.go
// Package tags
// License: Apache-2.0
//
// Command tag pool with credit accounting. Every outstanding command holds
// one tag and one credit until its response returns.

package tags

import "sync"

const (
	// MaxTag is the highest tag value handed out.
	MaxTag = 255
	// DefaultCredits is the credit limit of a new pool.
	DefaultCredits = 64
)

// Pool tracks tags in use and the credits left.
type Pool struct {
	mu         sync.Mutex
	inUse      map[uint32]struct{}
	credits    int
	maxCredits int
	next       uint32
}

// New creates a pool limited to maxCredits outstanding tags; values outside
// 1..MaxTag+1 select DefaultCredits.
func New(maxCredits int) *Pool {
	if maxCredits <= 0 || maxCredits > MaxTag+1 {
		maxCredits = DefaultCredits
	}
	return &Pool{
		inUse:      make(map[uint32]struct{}),
		credits:    maxCredits,
		maxCredits: maxCredits,
	}
}

// Request takes a free tag. It reports false when no credit is left.
func (p *Pool) Request() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.credits == 0 {
		return 0, false
	}
	for i := 0; i <= MaxTag; i++ {
		tag := (p.next + uint32(i)) % (MaxTag + 1)
		if _, busy := p.inUse[tag]; busy {
			continue
		}
		p.inUse[tag] = struct{}{}
		p.credits--
		p.next = (tag + 1) % (MaxTag + 1)
		return tag, true
	}
	return 0, false
}

// Release returns tag and the given number of credits.
func (p *Pool) Release(tag uint32, credits int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[tag]; !ok {
		return
	}
	delete(p.inUse, tag)
	p.credits += credits
	if p.credits > p.maxCredits {
		p.credits = p.maxCredits
	}
}

// IsInUse reports whether tag is outstanding.
func (p *Pool) IsInUse(tag uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inUse[tag]
	return ok
}

// SetMaxCredits changes the credit limit and refills the credits.
func (p *Pool) SetMaxCredits(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n <= 0 || n > MaxTag+1 {
		n = DefaultCredits
	}
	p.maxCredits = n
	p.credits = n - len(p.inUse)
	if p.credits < 0 {
		p.credits = 0
	}
}

// Reset releases every tag.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse = make(map[uint32]struct{})
	p.credits = p.maxCredits
}

// Credits returns the credits left.
func (p *Pool) Credits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.credits
}
