package snowflake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateMonotonic(t *testing.T) {
	node, err := NewNode(1)
	require.NoError(t, err)

	prev := node.Generate()
	for i := 0; i < 1000; i++ {
		id := node.Generate()
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestNodeRange(t *testing.T) {
	_, err := NewNode(-1)
	assert.Error(t, err)
	_, err = NewNode(1024)
	assert.Error(t, err)
	_, err = NewNode(1023)
	assert.NoError(t, err)
}

func TestTimeOfRoundTrip(t *testing.T) {
	node, err := NewNode(3)
	require.NoError(t, err)

	before := time.Now().Truncate(time.Millisecond)
	id := node.Generate()
	after := time.Now()

	ts := TimeOf(id)
	assert.False(t, ts.Before(before))
	assert.False(t, ts.After(after))
}

func TestLowerBound(t *testing.T) {
	node, err := NewNode(1)
	require.NoError(t, err)

	cutoff := time.Now()
	time.Sleep(2 * time.Millisecond)
	id := node.Generate()

	assert.Greater(t, id, LowerBound(cutoff), "ids generated after the cutoff sort above the bound")
	assert.Less(t, LowerBound(cutoff), LowerBound(cutoff.Add(time.Second)))
	assert.Equal(t, int64(0), LowerBound(time.UnixMilli(epoch-1000)), "pre-epoch cutoffs clamp to zero")
}
