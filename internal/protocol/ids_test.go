package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStreamIDMonotonic(t *testing.T) {
	prev := NewStreamID()
	for i := 0; i < 100; i++ {
		next := NewStreamID()
		require.Greater(t, next, prev, "ULIDs are lexically monotonic")
		prev = next
	}
}

func TestTraceContextStamp(t *testing.T) {
	tc := NewTraceContext()

	var a, b Envelope
	tc.Stamp(&a)
	tc.Stamp(&b)

	assert.Equal(t, tc.TraceID(), a.TraceID)
	assert.Equal(t, a.TraceID, b.TraceID)
	assert.NotEqual(t, a.StreamID, b.StreamID)
	assert.Equal(t, 0, a.SiblingIndex)
	assert.Equal(t, 1, b.SiblingIndex, "parallel stamps take consecutive sibling slots")
	assert.False(t, a.Timestamp.IsZero())
}

func TestTraceContextChildAndCaused(t *testing.T) {
	root := NewTraceContext()
	var parent Envelope
	root.Stamp(&parent)

	child := root.Child(parent.StreamID)
	var nested Envelope
	child.Stamp(&nested)
	assert.Equal(t, root.TraceID(), nested.TraceID)
	assert.Equal(t, parent.StreamID, nested.ParentStreamID)
	assert.Equal(t, 0, nested.SiblingIndex, "child context restarts the sibling counter")

	caused := root.Caused(parent.StreamID)
	var reaction Envelope
	caused.Stamp(&reaction)
	assert.Equal(t, parent.StreamID, reaction.CausationStreamID)
}
