package feeder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveAttributesCumulative(t *testing.T) {
	targets := [][]int32{{2, 3, 2, 0}}
	mask := [][]int32{{1, 1, 1, 0}}

	attrs := DeriveAttributes(targets, mask, 5)
	require.Len(t, attrs, 1)
	steps := attrs[0]
	require.Len(t, steps, 4)

	// t=0: only token 2 seen so far.
	assert.Equal(t, []float32{0, 0, 1, 0, 0}, steps[0])
	// t=1: tokens {2, 3}.
	assert.Equal(t, []float32{0, 0, 1, 1, 0}, steps[1])
	// t=2: still {2, 3}; repeats stay multi-hot, not counts.
	assert.Equal(t, []float32{0, 0, 1, 1, 0}, steps[2])
	// t=3 is padding: zeroed by the mask even though the padded token is 0.
	assert.Equal(t, []float32{0, 0, 0, 0, 0}, steps[3])
}

func TestDeriveAttributesEmptyRow(t *testing.T) {
	attrs := DeriveAttributes([][]int32{{0, 0}}, [][]int32{{0, 0}}, 3)
	for _, step := range attrs[0] {
		assert.Equal(t, []float32{0, 0, 0}, step)
	}
}

func TestDeriveAttributesIgnoresOutOfVocab(t *testing.T) {
	attrs := DeriveAttributes([][]int32{{7, 1}}, [][]int32{{1, 1}}, 3)
	assert.Equal(t, []float32{0, 0, 0}, attrs[0][0])
	assert.Equal(t, []float32{0, 1, 0}, attrs[0][1])
}

func TestMultiLabels(t *testing.T) {
	labels := MultiLabels([][]int32{{1, 3, 1}, {}}, 4)
	assert.Equal(t, []float32{0, 1, 0, 1}, labels[0])
	assert.Equal(t, []float32{0, 0, 0, 0}, labels[1])
}
