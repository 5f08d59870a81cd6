package feeder

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/captionBowl/records"
)

const (
	testImageFeature   = "image/data"
	testCaptionFeature = "image/caption_ids"
	testFlipFeature    = "image/flip_caption_ids"
)

func encodePNG(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func reversed(caption []int64) []int64 {
	out := make([]int64, len(caption))
	for i, v := range caption {
		out[len(caption)-1-i] = v
	}
	return out
}

// buildTestShards writes numShards shards with the given captions spread
// round-robin, and returns the glob pattern.
func buildTestShards(t *testing.T, numShards int, captions [][]int64) string {
	t.Helper()
	dir := t.TempDir()
	writers := make([]*records.Writer, numShards)
	files := make([]*os.File, numShards)
	for s := 0; s < numShards; s++ {
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("captions-%05d-of-%05d", s, numShards)))
		require.NoError(t, err)
		files[s] = f
		writers[s] = records.NewWriter(f)
	}
	for i, caption := range captions {
		img := encodePNG(t, color.RGBA{R: uint8(20 * i), G: 100, B: 200, A: 255})
		raw := records.BuildSequenceExample(testImageFeature, img,
			testCaptionFeature, caption, testFlipFeature, reversed(caption))
		require.NoError(t, writers[i%numShards].Write(raw))
	}
	for s := 0; s < numShards; s++ {
		require.NoError(t, writers[s].Flush())
		require.NoError(t, files[s].Close())
	}
	return filepath.Join(dir, "captions-?????-of-?????")
}

func TestDatasetEvalEndToEnd(t *testing.T) {
	captions := [][]int64{
		{1, 2, 3, 4, 5},
		{1, 2, 3},
		{4, 5},
		{6, 7, 8, 9},
		{1},
		{2, 3, 4},
		{5, 6},
		{7, 8, 9},
		{1, 2},
		{3, 4, 5, 6},
		{8, 9},
		{9, 1, 2},
	}
	pattern := buildTestShards(t, 2, captions)

	ds, err := NewDataset(Config{
		Patterns:          pattern,
		IsTraining:        false,
		BatchSize:         4,
		ValuesPerShard:    6,
		PreprocessWorkers: 2,
		ImageFeature:      testImageFeature,
		CaptionFeature:    testCaptionFeature,
		ImageWidth:        16,
		ImageHeight:       16,
		Seed:              3,
	})
	require.NoError(t, err)
	defer ds.Close()

	assert.Equal(t, "captions-eval", ds.Name())

	var maskSums []int
	for batch := 0; batch < 3; batch++ {
		spec, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		assert.Same(t, ds, spec)
		require.Len(t, inputs, 3)
		require.Len(t, labels, 1)

		images, inputSeqs, mask := inputs[0], inputs[1], inputs[2]
		targetSeqs := labels[0]

		assert.Equal(t, []int{4, 16, 16, 3}, images.Shape().Dimensions)
		assert.Equal(t, dtypes.Float32, images.Shape().DType)

		paddedLen := inputSeqs.Shape().Dimensions[1]
		assert.Equal(t, []int{4, paddedLen}, inputSeqs.Shape().Dimensions)
		assert.Equal(t, []int{4, paddedLen}, targetSeqs.Shape().Dimensions)
		assert.Equal(t, []int{4, paddedLen}, mask.Shape().Dimensions)
		assert.Equal(t, dtypes.Int32, inputSeqs.Shape().DType)

		inputFlat := tensors.CopyFlatData[int32](inputSeqs)
		targetFlat := tensors.CopyFlatData[int32](targetSeqs)
		maskFlat := tensors.CopyFlatData[int32](mask)
		for row := 0; row < 4; row++ {
			sum := 0
			for j := 0; j < paddedLen; j++ {
				idx := row*paddedLen + j
				if maskFlat[idx] != 0 {
					sum++
					// Target is the input shifted by one: within the unpadded
					// region the next input equals the current target.
					if j+1 < paddedLen && maskFlat[idx+1] != 0 {
						assert.Equal(t, targetFlat[idx], inputFlat[idx+1])
					}
				} else {
					assert.Zero(t, inputFlat[idx])
					assert.Zero(t, targetFlat[idx])
				}
			}
			maskSums = append(maskSums, sum)
		}

		stats := ds.LengthStats()
		assert.GreaterOrEqual(t, stats.Max, stats.Min)
		fill := ds.FillFraction()
		assert.GreaterOrEqual(t, fill, 0.0)
		assert.LessOrEqual(t, fill, 1.0)
	}

	// Across the full pass the mask sums are exactly the caption lengths
	// minus one, in some interleaved order.
	var wantSums []int
	for _, c := range captions {
		wantSums = append(wantSums, max(len(c)-1, 0))
	}
	sort.Ints(wantSums)
	sort.Ints(maskSums)
	assert.Equal(t, wantSums, maskSums)

	// 12 records make exactly 3 batches of 4: the stream then ends.
	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err)
}

func TestDatasetResetRestartsEvalPass(t *testing.T) {
	captions := [][]int64{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}, {1, 2, 3, 4}}
	pattern := buildTestShards(t, 1, captions)

	ds, err := NewDataset(Config{
		Patterns:          pattern,
		IsTraining:        false,
		BatchSize:         4,
		ValuesPerShard:    4,
		PreprocessWorkers: 2,
		ImageFeature:      testImageFeature,
		CaptionFeature:    testCaptionFeature,
		ImageWidth:        8,
		ImageHeight:       8,
		Seed:              1,
	})
	require.NoError(t, err)
	defer ds.Close()

	_, _, _, err = ds.Yield()
	require.NoError(t, err)
	_, _, _, err = ds.Yield()
	require.Equal(t, io.EOF, err)

	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
}

func TestDatasetWithAttributes(t *testing.T) {
	captions := [][]int64{{1, 2, 3}, {2, 4}, {3, 1, 2, 4}, {4}}
	pattern := buildTestShards(t, 1, captions)

	const vocab = 6
	ds, err := NewDataset(Config{
		Patterns:          pattern,
		IsTraining:        false,
		BatchSize:         4,
		ValuesPerShard:    4,
		PreprocessWorkers: 2,
		ImageFeature:      testImageFeature,
		CaptionFeature:    testCaptionFeature,
		ImageWidth:        8,
		ImageHeight:       8,
		WithAttributes:    true,
		VocabSize:         vocab,
		Seed:              2,
	})
	require.NoError(t, err)
	defer ds.Close()

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, labels, 2)

	paddedLen := inputs[1].Shape().Dimensions[1]
	attrs := labels[1]
	require.Equal(t, []int{4, paddedLen, vocab}, attrs.Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, attrs.Shape().DType)

	targetFlat := tensors.CopyFlatData[int32](labels[0])
	maskFlat := tensors.CopyFlatData[int32](inputs[2])
	attrsFlat := tensors.CopyFlatData[float32](attrs)
	for row := 0; row < 4; row++ {
		seen := map[int32]bool{}
		for j := 0; j < paddedLen; j++ {
			idx := row*paddedLen + j
			step := attrsFlat[idx*vocab : (idx+1)*vocab]
			if maskFlat[idx] == 0 {
				for _, v := range step {
					assert.Zero(t, v)
				}
				continue
			}
			seen[targetFlat[idx]] = true
			for id := int32(0); id < vocab; id++ {
				want := float32(0)
				if seen[id] {
					want = 1
				}
				assert.Equal(t, want, step[id], "row %d step %d id %d", row, j, id)
			}
		}
	}
}

func TestDatasetTrainingWithFlip(t *testing.T) {
	var captions [][]int64
	for i := 0; i < 16; i++ {
		captions = append(captions, []int64{int64(i + 1), int64(i + 2), int64(i + 3)})
	}
	pattern := buildTestShards(t, 2, captions)

	ds, err := NewDataset(Config{
		Patterns:            pattern,
		IsTraining:          true,
		BatchSize:           4,
		ValuesPerShard:      8,
		QueueCapacityFactor: 1,
		PreprocessWorkers:   2,
		SupportFlip:         true,
		ImageFeature:        testImageFeature,
		CaptionFeature:      testCaptionFeature,
		FlipCaptionFeature:  testFlipFeature,
		ImageWidth:          8,
		ImageHeight:         8,
		Seed:                11,
	})
	require.NoError(t, err)
	defer ds.Close()

	// Training streams are infinite: several consecutive yields succeed.
	for i := 0; i < 5; i++ {
		_, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		assert.Equal(t, []int{4, 8, 8, 3}, inputs[0].Shape().Dimensions)
		// All captions have length 3, so every mask row sums to 2. The
		// flipped caption of a caption this shape is its reversal, still
		// length 3, so flipping never changes the mask.
		maskFlat := tensors.CopyFlatData[int32](inputs[2])
		sum := int32(0)
		for _, m := range maskFlat {
			sum += m
		}
		assert.Equal(t, int32(4*2), sum)
		require.Len(t, labels, 1)
	}
}

// The flip branch must be taken with empirical probability 0.5.
func TestFlipCoinConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(123))
	const trials = 10000
	flips := 0
	for i := 0; i < trials; i++ {
		if flipCoin(rng) {
			flips++
		}
	}
	assert.InDelta(t, 0.5, float64(flips)/trials, 0.02)
}
