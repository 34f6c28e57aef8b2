package project

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogRingTailBeforeWrap(t *testing.T) {
	ring := newLogRing(5)
	ring.Add("one")
	ring.Add("two")
	ring.Add("three")

	assert.Equal(t, 3, ring.Len())
	assert.Equal(t, []string{"two", "three"}, ring.Tail(2))
	assert.Equal(t, []string{"one", "two", "three"}, ring.Tail(10))
}

func TestLogRingDropsOldest(t *testing.T) {
	ring := newLogRing(3)
	for i := 1; i <= 5; i++ {
		ring.Add(fmt.Sprintf("line %d", i))
	}

	require.Equal(t, 3, ring.Len())
	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, ring.Tail(3))
	assert.Equal(t, []string{"line 5"}, ring.Tail(1))
}

func TestLogRingTailAcrossWrapBoundary(t *testing.T) {
	ring := newLogRing(4)
	for i := 1; i <= 6; i++ {
		ring.Add(fmt.Sprintf("%d", i))
	}

	// Newest four are 3..6 with the write cursor mid-buffer.
	assert.Equal(t, []string{"4", "5", "6"}, ring.Tail(3))
	assert.Equal(t, []string{"3", "4", "5", "6"}, ring.Tail(4))
}

func TestLogRingEmpty(t *testing.T) {
	ring := newLogRing(4)
	assert.Nil(t, ring.Tail(3))
	assert.Zero(t, ring.Len())
}
