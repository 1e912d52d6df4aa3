// ABOUTME: Tests for the request-id replay guard
// ABOUTME: Covers duplicate detection, per-connection isolation, eviction, and Forget

package replay

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDuplicateDetection(t *testing.T) {
	g := New(time.Minute, 100)
	defer g.Close()

	assert.False(t, g.SeenAndMark("conn-1", "req-1"), "first sight is not a duplicate")
	assert.True(t, g.SeenAndMark("conn-1", "req-1"), "second sight is")
}

func TestConnectionsAreIsolated(t *testing.T) {
	g := New(time.Minute, 100)
	defer g.Close()

	assert.False(t, g.SeenAndMark("conn-1", "req-1"))
	assert.False(t, g.SeenAndMark("conn-2", "req-1"), "same id on another connection is fresh")
}

func TestForgetClearsWindow(t *testing.T) {
	g := New(time.Minute, 100)
	defer g.Close()

	g.SeenAndMark("conn-1", "req-1")
	g.Forget("conn-1")
	assert.False(t, g.SeenAndMark("conn-1", "req-1"), "reconnect starts clean")
}

func TestEvictionAtCapacity(t *testing.T) {
	g := New(time.Minute, 3)
	defer g.Close()

	for i := range 4 {
		g.SeenAndMark("conn-1", fmt.Sprintf("req-%d", i))
	}
	assert.False(t, g.SeenAndMark("conn-1", "req-0"), "oldest id was evicted")
	assert.True(t, g.SeenAndMark("conn-1", "req-3"), "newest still remembered")
}

func TestExpiredIDIsFreshAgain(t *testing.T) {
	g := New(10*time.Millisecond, 100)
	defer g.Close()

	g.SeenAndMark("conn-1", "req-1")
	time.Sleep(30 * time.Millisecond)
	assert.False(t, g.SeenAndMark("conn-1", "req-1"))
}
