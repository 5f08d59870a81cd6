package feeder

import (
	"image"
)

// example is one preprocessed (image, caption) pair flowing from the
// preprocessing workers to the batcher. The augmentation branch has already
// been resolved: image and caption always belong together.
type example struct {
	img     image.Image
	caption []int64
}

// paddedBatch holds one dynamically padded batch in flat row-major int32
// buffers, shaped [batchSize, paddedLen].
//
// For each row with caption length L: inputs holds caption[0:L-1], targets
// holds caption[1:L], and mask holds 1 for those positions and 0 for the
// right padding. A caption of length 0 or 1 contributes an all-pad row with
// an all-zero mask: present, but carrying no supervision signal.
type paddedBatch struct {
	images    []image.Image
	inputs    []int32
	targets   []int32
	mask      []int32
	batchSize int
	paddedLen int
	lengths   []int // caption lengths, for instrumentation
}

// splitCaption splits one caption into its input sequence, target sequence
// (input shifted left by one) and an all-ones indicator. Captions of length
// 0 or 1 produce empty slices.
func splitCaption(caption []int64) (input, target []int64, indicator []int32) {
	if len(caption) <= 1 {
		return nil, nil, nil
	}
	n := len(caption) - 1
	input = caption[:n]
	target = caption[1:]
	indicator = make([]int32, n)
	for i := range indicator {
		indicator[i] = 1
	}
	return
}

// padBatch builds a paddedBatch from the collected examples. Pass 1 finds the
// batch's padded length (max caption length minus one); pass 2 copies each
// row into freshly allocated fixed-shape buffers, padding with zeros.
func padBatch(examples []example) *paddedBatch {
	b := &paddedBatch{
		batchSize: len(examples),
		images:    make([]image.Image, len(examples)),
		lengths:   make([]int, len(examples)),
	}
	for i, ex := range examples {
		b.images[i] = ex.img
		// Effective length is mask sum plus one, so empty captions count 1.
		b.lengths[i] = max(len(ex.caption), 1)
		if n := len(ex.caption) - 1; n > b.paddedLen {
			b.paddedLen = n
		}
	}
	b.inputs = make([]int32, b.batchSize*b.paddedLen)
	b.targets = make([]int32, b.batchSize*b.paddedLen)
	b.mask = make([]int32, b.batchSize*b.paddedLen)
	for i, ex := range examples {
		input, target, indicator := splitCaption(ex.caption)
		row := i * b.paddedLen
		for j := range input {
			b.inputs[row+j] = int32(input[j])
			b.targets[row+j] = int32(target[j])
			b.mask[row+j] = indicator[j]
		}
	}
	return b
}

// row returns the i-th rows of the padded buffers.
func (b *paddedBatch) row(i int) (input, target, mask []int32) {
	lo, hi := i*b.paddedLen, (i+1)*b.paddedLen
	return b.inputs[lo:hi], b.targets[lo:hi], b.mask[lo:hi]
}

// maskRows reshapes the flat mask into per-row slices.
func (b *paddedBatch) maskRows() [][]int32 {
	rows := make([][]int32, b.batchSize)
	for i := range rows {
		_, _, rows[i] = b.row(i)
	}
	return rows
}

// targetRows reshapes the flat targets into per-row slices.
func (b *paddedBatch) targetRows() [][]int32 {
	rows := make([][]int32, b.batchSize)
	for i := range rows {
		_, rows[i], _ = b.row(i)
	}
	return rows
}

// LengthStats summarizes the caption length distribution of one batch:
// min/max/mean of the unpadded caption lengths (mask sum plus one).
// Instrumentation only.
type LengthStats struct {
	Min  int
	Max  int
	Mean float64
}

func (b *paddedBatch) lengthStats() LengthStats {
	stats := LengthStats{Min: b.lengths[0], Max: b.lengths[0]}
	sum := 0
	for _, l := range b.lengths {
		if l < stats.Min {
			stats.Min = l
		}
		if l > stats.Max {
			stats.Max = l
		}
		sum += l
	}
	stats.Mean = float64(sum) / float64(len(b.lengths))
	return stats
}
