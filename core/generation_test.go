package core

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGeneration_Advance(t *testing.T) {
	var g Generation
	assert.Equal(t, uint64(0), g.Load())
	assert.Equal(t, uint64(1), g.Advance())
	assert.Equal(t, uint64(1), g.Load())
}

// TestGeneration_AdvanceFromSingleWinner tests racing restarts
// Main test items:
// 1. Many goroutines try to advance from the same generation
// 2. Exactly one succeeds
func TestGeneration_AdvanceFromSingleWinner(t *testing.T) {
	var g Generation
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.AdvanceFrom(0) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, uint64(1), g.Load())
}

func TestGeneration_TokensAreScoped(t *testing.T) {
	var a, b Generation
	assert.Equal(t, a.Token(3), a.Token(3))
	assert.NotEqual(t, a.Token(3), a.Token(4))
	assert.NotEqual(t, a.Token(3), b.Token(3))
	assert.Equal(t, uint64(3), a.Token(3).Gen())
}
