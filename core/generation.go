package core

import "sync/atomic"

// Generation is a monotonically increasing version stamp.
//
// Work that must only take effect within one "era" captures Load() when it is
// created and compares it when it runs; the owner calls Advance when the era
// ends. The zero value is ready to use.
type Generation struct {
	v atomic.Uint64
}

// Load returns the current generation.
func (g *Generation) Load() uint64 {
	return g.v.Load()
}

// Advance moves to the next generation and returns it.
func (g *Generation) Advance() uint64 {
	return g.v.Add(1)
}

// AdvanceFrom moves to the next generation only if the current one is
// expected. Exactly one of several racing callers holding the same expected
// value wins.
func (g *Generation) AdvanceFrom(expected uint64) bool {
	return g.v.CompareAndSwap(expected, expected+1)
}

// Token returns a comparable value identifying generation gen of g, suitable
// as a Message token.
func (g *Generation) Token(gen uint64) GenerationToken {
	return GenerationToken{owner: g, gen: gen}
}

// GenerationToken tags queued messages with the generation that created them.
type GenerationToken struct {
	owner *Generation
	gen   uint64
}

// Gen returns the tagged generation.
func (t GenerationToken) Gen() uint64 { return t.gen }
