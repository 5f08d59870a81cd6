package feeder

import (
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/captionBowl/imageproc"
	"github.com/Noofbiz/captionBowl/prefetch"
	"github.com/Noofbiz/captionBowl/records"
)

// Dataset streams dynamically padded caption batches as a train.Dataset.
//
// Yield returns:
//   - inputs: images [batch, height, width, 3] (Config.DType), input
//     sequences int32 [batch, paddedLen], mask int32 [batch, paddedLen].
//   - labels: target sequences int32 [batch, paddedLen], plus the attributes
//     target float32 [batch, paddedLen, vocabSize] when Config.WithAttributes.
//
// Padded positions hold zero in all three sequence tensors; downstream losses
// must multiply by the mask rather than read padded positions as supervision.
type Dataset struct {
	cfg  Config
	name string

	proc     *imageproc.Processor
	toTensor *timage.ToTensorConfig

	mu    sync.Mutex // guards gen, stats, startErr and serializes Yield.
	gen   *generation
	stats LengthStats
	epoch int
}

var _ train.Dataset = (*Dataset)(nil)

// generation is one run of the pipeline goroutines. Reset tears the current
// generation down and starts a fresh one.
type generation struct {
	pf       *prefetch.Prefetcher
	examples chan example
	stop     chan struct{}
	once     sync.Once
	workers  sync.WaitGroup

	muErr sync.Mutex
	err   error
}

// NewDataset validates cfg, discovers the shard set and starts the prefetch
// and preprocessing workers. All configuration errors (empty shard set, odd
// worker count with flip support, missing feature names) surface here, before
// any record is read.
func NewDataset(cfg Config) (*Dataset, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	mode := "eval"
	if cfg.IsTraining {
		mode = "train"
	}
	ds := &Dataset{
		cfg:      cfg,
		name:     fmt.Sprintf("captions-%s", mode),
		proc:     imageproc.New(cfg.ImageWidth, cfg.ImageHeight, cfg.IsTraining),
		toTensor: timage.ToTensor(cfg.DType),
	}
	gen, err := ds.startGeneration()
	if err != nil {
		return nil, err
	}
	ds.gen = gen
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// FillFraction reports the prefetch buffer occupancy, for monitoring.
func (ds *Dataset) FillFraction() float64 {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.gen.pf.FillFraction()
}

// LengthStats returns the caption length distribution of the most recently
// yielded batch.
func (ds *Dataset) LengthStats() LengthStats {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.stats
}

// startGeneration spins up a prefetcher and the preprocessing workers.
func (ds *Dataset) startGeneration() (*generation, error) {
	cfg := ds.cfg
	pf, err := prefetch.New(prefetch.Config{
		Patterns:       cfg.Patterns,
		IsTraining:     cfg.IsTraining,
		BatchSize:      cfg.BatchSize,
		ValuesPerShard: cfg.ValuesPerShard,
		CapacityFactor: cfg.QueueCapacityFactor,
		ReaderThreads:  cfg.ReaderThreads,
		Seed:           cfg.Seed + int64(ds.epoch),
	})
	if err != nil {
		return nil, err
	}
	g := &generation{
		pf:       pf,
		examples: make(chan example, 2*cfg.PreprocessWorkers*cfg.BatchSize),
		stop:     make(chan struct{}),
	}
	ds.epoch++
	for id := 0; id < cfg.PreprocessWorkers; id++ {
		g.workers.Add(1)
		rng := rand.New(rand.NewSource(cfg.Seed + int64(ds.epoch)*1000 + int64(id)))
		go ds.runWorker(g, id, rng)
	}
	go func() {
		g.workers.Wait()
		close(g.examples)
	}()
	return g, nil
}

// terminate latches err (nil for a plain shutdown) and stops the generation.
func (g *generation) terminate(err error) {
	g.once.Do(func() {
		g.muErr.Lock()
		if g.err == nil {
			g.err = err
		}
		g.muErr.Unlock()
		close(g.stop)
		g.pf.Close()
	})
}

func (g *generation) error() error {
	g.muErr.Lock()
	defer g.muErr.Unlock()
	return g.err
}

// runWorker is one preprocessing worker: dequeue, parse, resolve the flip
// branch, decode the selected variant, and hand the example to the batcher.
//
// The flip decision is drawn before any decoding, independently per example,
// so only the selected variant is ever decoded.
func (ds *Dataset) runWorker(g *generation, id int, rng *rand.Rand) {
	defer g.workers.Done()
	flipFeature := ""
	if ds.cfg.SupportFlip {
		flipFeature = ds.cfg.FlipCaptionFeature
	}
	for {
		raw, err := g.pf.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			g.terminate(err)
			return
		}
		ex, err := records.ParseSequenceExample(raw, ds.cfg.ImageFeature, ds.cfg.CaptionFeature, flipFeature)
		if err != nil {
			// Malformed records indicate corrupt upstream data: fatal.
			g.terminate(err)
			return
		}
		caption := ex.Caption
		flip := false
		if ds.cfg.SupportFlip && flipCoin(rng) {
			flip = true
			caption = ex.FlipCaption
		}
		img, err := ds.proc.Process(ex.Image, id, flip)
		if err != nil {
			g.terminate(err)
			return
		}
		select {
		case g.examples <- example{img: img, caption: caption}:
		case <-g.stop:
			return
		}
	}
}

// flipCoin draws the per-example augmentation branch: true selects the
// flipped image with its flip caption.
func flipCoin(rng *rand.Rand) bool {
	return rng.Float64() < 0.5
}

// Yield implements train.Dataset. It blocks until a full batch of examples is
// available; there is no partial-batch flushing, so in evaluation mode the
// tail of the data that does not fill a batch is dropped and io.EOF returned.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	g := ds.gen

	collected := make([]example, 0, ds.cfg.BatchSize)
	for len(collected) < ds.cfg.BatchSize {
		ex, ok := <-g.examples
		if !ok {
			if gerr := g.error(); gerr != nil {
				return nil, nil, nil, gerr
			}
			return nil, nil, nil, io.EOF
		}
		collected = append(collected, ex)
	}

	b := padBatch(collected)
	ds.stats = b.lengthStats()
	if klog.V(1).Enabled() {
		klog.Infof("%s: caption length batch_min=%d batch_max=%d batch_mean=%.2f, buffer %.0f%% full",
			ds.name, ds.stats.Min, ds.stats.Max, ds.stats.Mean, 100*g.pf.FillFraction())
	}

	// A batch where every caption has length <= 1 would have no columns at
	// all; keep one fully masked pad column so the sequence tensors stay
	// rank-2 with a non-degenerate axis.
	paddedLen := b.paddedLen
	if paddedLen == 0 {
		paddedLen = 1
		n := b.batchSize
		b.inputs, b.targets, b.mask = make([]int32, n), make([]int32, n), make([]int32, n)
	}

	spec = ds
	inputs = []*tensors.Tensor{
		ds.toTensor.Batch(b.images),
		tensors.FromFlatDataAndDimensions(b.inputs, b.batchSize, paddedLen),
		tensors.FromFlatDataAndDimensions(b.mask, b.batchSize, paddedLen),
	}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(b.targets, b.batchSize, paddedLen),
	}
	if ds.cfg.WithAttributes {
		attrs := DeriveAttributes(b.targetRows(), b.maskRows(), ds.cfg.VocabSize)
		flat := make([]float32, 0, b.batchSize*paddedLen*ds.cfg.VocabSize)
		for _, steps := range attrs {
			for _, step := range steps {
				flat = append(flat, step...)
			}
		}
		if b.paddedLen == 0 {
			// Match the padded-out sequence tensors.
			flat = make([]float32, b.batchSize*ds.cfg.VocabSize)
		}
		labels = append(labels, tensors.FromFlatDataAndDimensions(flat, b.batchSize, paddedLen, ds.cfg.VocabSize))
	}
	return
}

// Reset implements train.Dataset: it tears down the current pipeline and
// starts a fresh pass over the shards. Required between evaluation runs; for
// training datasets the stream is infinite and Reset merely reshuffles.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.gen.terminate(nil)
	gen, err := ds.startGeneration()
	if err != nil {
		// The shard set was validated at construction; losing it mid-run
		// means the files were removed underneath us.
		klog.Errorf("%s: reset failed: %+v", ds.name, err)
		return
	}
	ds.gen = gen
}

// Close releases all pipeline goroutines. The Dataset must not be used after.
func (ds *Dataset) Close() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.gen.terminate(nil)
}
