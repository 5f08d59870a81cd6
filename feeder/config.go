// Package feeder assembles the caption training input pipeline: prefetched
// shard records are parsed, their images decoded (with optional flip
// augmentation), and the resulting (image, caption) pairs batched with
// dynamic padding into fixed-shape tensors, exposed as a train.Dataset.
package feeder

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Config is the immutable configuration of a Dataset. It is validated once by
// NewDataset; configuration errors fail before any worker starts.
type Config struct {
	// Patterns is the comma-separated list of shard file glob patterns.
	Patterns string

	// IsTraining selects shuffled infinite streaming with augmentation (true)
	// or deterministic single-pass streaming (false).
	IsTraining bool

	// BatchSize is the number of examples per yielded batch.
	BatchSize int

	// ValuesPerShard is the approximate number of records per shard, used to
	// size the prefetch buffer.
	ValuesPerShard int

	// QueueCapacityFactor scales the prefetch buffer's fill floor in training
	// mode. 0 uses the prefetch default (16).
	QueueCapacityFactor int

	// ReaderThreads is the number of concurrent shard readers. 0 means 1.
	ReaderThreads int

	// PreprocessWorkers is the number of parallel parse/decode workers. Must
	// be even when SupportFlip is set. 0 means 4.
	PreprocessWorkers int

	// SupportFlip enables per-example flip augmentation: records then must
	// carry FlipCaptionFeature, and each example independently selects the
	// flipped image with its flip caption with probability 0.5.
	SupportFlip bool

	// VocabSize is the token vocabulary width, required when WithAttributes.
	VocabSize int

	// WithAttributes appends the per-timestep bag-of-tokens attributes target
	// to the yielded labels.
	WithAttributes bool

	// Feature names inside each serialized record.
	ImageFeature       string
	CaptionFeature     string
	FlipCaptionFeature string

	// ImageWidth and ImageHeight are the fixed output image shape.
	ImageWidth  int
	ImageHeight int

	// DType of the yielded image tensor. Defaults to Float32.
	DType dtypes.DType

	// Seed for shuffling and augmentation draws. 0 seeds from the clock.
	Seed int64
}

const defaultPreprocessWorkers = 4

func (c *Config) setDefaults() {
	if c.PreprocessWorkers == 0 {
		c.PreprocessWorkers = defaultPreprocessWorkers
	}
	if c.DType == dtypes.InvalidDType {
		c.DType = dtypes.Float32
	}
}

// Validate reports the first configuration error. It checks everything that
// must hold before the pipeline starts, so violations never surface at first
// batch.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.PreprocessWorkers <= 0 {
		return errors.Errorf("preprocess workers must be positive, got %d", c.PreprocessWorkers)
	}
	if c.SupportFlip && c.PreprocessWorkers%2 != 0 {
		return errors.Errorf("flip support requires an even number of preprocess workers, got %d",
			c.PreprocessWorkers)
	}
	if c.ImageFeature == "" {
		return errors.New("image feature name is required")
	}
	if c.CaptionFeature == "" {
		return errors.New("caption feature name is required")
	}
	if c.SupportFlip && c.FlipCaptionFeature == "" {
		return errors.New("flip support requires a flip caption feature name")
	}
	if c.ImageWidth <= 0 || c.ImageHeight <= 0 {
		return errors.Errorf("image shape must be positive, got %dx%d", c.ImageWidth, c.ImageHeight)
	}
	if c.WithAttributes && c.VocabSize <= 0 {
		return errors.Errorf("attributes target requires a positive vocab size, got %d", c.VocabSize)
	}
	return nil
}
