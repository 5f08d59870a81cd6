package feeder

// DeriveAttributes builds the auxiliary "bag of tokens" attributes target
// from a batch of padded target sequences and their mask.
//
// The result is shaped [batch, paddedLen, vocabSize]: row t of an example is
// the multi-hot vector of the distinct token ids appearing in the unpadded
// portion of its target sequence at positions <= t, and is all zero wherever
// mask is 0. In other words, each timestep sees the cumulative set of target
// tokens so far; the final unpadded timestep holds the full bag.
//
// Token ids outside [0, vocabSize) are ignored rather than recorded, matching
// one-hot behavior.
func DeriveAttributes(targets, mask [][]int32, vocabSize int) [][][]float32 {
	out := make([][][]float32, len(targets))
	for i, row := range targets {
		seen := make([]bool, vocabSize)
		steps := make([][]float32, len(row))
		for t, token := range row {
			step := make([]float32, vocabSize)
			if mask[i][t] != 0 {
				if token >= 0 && int(token) < vocabSize {
					seen[token] = true
				}
				for id, s := range seen {
					if s {
						step[id] = 1
					}
				}
			}
			steps[t] = step
		}
		out[i] = steps
	}
	return out
}

// MultiLabels builds the static per-example variant: one multi-hot vector of
// width vocabSize per caption, marking every distinct token id it contains.
// Used when the auxiliary objective wants a single bag per example instead of
// the per-timestep cumulative target.
func MultiLabels(captions [][]int32, vocabSize int) [][]float32 {
	labels := make([][]float32, len(captions))
	for i, caption := range captions {
		label := make([]float32, vocabSize)
		for _, token := range caption {
			if token >= 0 && int(token) < vocabSize {
				label[token] = 1
			}
		}
		labels[i] = label
	}
	return labels
}
