// Package prefetch streams raw records from sharded record files on disk into
// a bounded in-memory buffer, overlapping file I/O with downstream decoding.
//
// In training mode shards are visited in a continuously reshuffled order and
// records are dequeued in randomized order once a minimum fill level is
// reached, so consecutive records rarely come from the same shard. In
// evaluation mode shards are read once, in a fixed order, through a FIFO
// buffer, and the stream ends with io.EOF.
package prefetch

import (
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/captionBowl/records"
)

const (
	// shardQueueCapacity bounds the queue of shard names ahead of the readers.
	shardQueueCapacity = 16

	// DefaultCapacityFactor multiplies the per-shard record count estimate to
	// size the training shuffle buffer.
	DefaultCapacityFactor = 16
)

// Config configures a Prefetcher. The zero value is not usable: Patterns,
// BatchSize and ValuesPerShard are required.
type Config struct {
	// Patterns is a comma-separated list of file glob patterns, e.g.
	// "/data/train-?????-of-00256".
	Patterns string

	// IsTraining selects shuffled, infinite reading (true) or deterministic
	// single-pass reading (false).
	IsTraining bool

	// BatchSize of the downstream consumer, used only to size the buffer.
	BatchSize int

	// ValuesPerShard is the approximate number of records per shard.
	ValuesPerShard int

	// CapacityFactor is the multiple of ValuesPerShard kept in the buffer
	// before records become eligible for dequeue in training mode. Defaults
	// to DefaultCapacityFactor.
	CapacityFactor int

	// ReaderThreads is the number of concurrent shard readers. Defaults to 1.
	ReaderThreads int

	// Seed for shard shuffling and randomized dequeue. 0 means seed from the
	// clock.
	Seed int64
}

func (c *Config) setDefaults() {
	if c.CapacityFactor == 0 {
		c.CapacityFactor = DefaultCapacityFactor
	}
	if c.ReaderThreads == 0 {
		c.ReaderThreads = 1
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Patterns) == "" {
		return errors.New("prefetch: no file patterns configured")
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("prefetch: batch size must be positive, got %d", c.BatchSize)
	}
	if c.ValuesPerShard <= 0 {
		return errors.Errorf("prefetch: values per shard must be positive, got %d", c.ValuesPerShard)
	}
	return nil
}

// Glob expands a comma-separated list of glob patterns and concatenates the
// results. Discovery is idempotent for an unchanged filesystem: the result
// only depends on the patterns and the files present.
func Glob(patterns string) ([]string, error) {
	var files []string
	for _, pattern := range strings.Split(patterns, ",") {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "bad file pattern %q", pattern)
		}
		files = append(files, matches...)
	}
	return files, nil
}

// Prefetcher reads records from a fixed set of shards into a bounded buffer.
type Prefetcher struct {
	cfg   Config
	files []string
	buf   *buffer

	shards chan string
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New discovers the shard set and starts the reader workers. An empty shard
// set is a configuration error: it returns an error before any goroutine
// starts, never an empty stream.
func New(cfg Config) (*Prefetcher, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	files, err := Glob(cfg.Patterns)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.Errorf("found no input files matching %q", cfg.Patterns)
	}
	klog.Infof("Prefetching values from %d files matching %q", len(files), cfg.Patterns)

	var capacity, minFill int
	if cfg.IsTraining {
		minFill = cfg.ValuesPerShard * cfg.CapacityFactor
		capacity = minFill + 100*cfg.BatchSize
	} else {
		capacity = cfg.ValuesPerShard + 3*cfg.BatchSize
	}

	p := &Prefetcher{
		cfg:    cfg,
		files:  files,
		buf:    newBuffer(capacity, minFill, cfg.IsTraining, rand.New(rand.NewSource(cfg.Seed))),
		shards: make(chan string, shardQueueCapacity),
		stop:   make(chan struct{}),
	}

	p.wg.Add(1)
	go p.produceShards(rand.New(rand.NewSource(cfg.Seed + 1)))

	var readers sync.WaitGroup
	for i := 0; i < cfg.ReaderThreads; i++ {
		p.wg.Add(1)
		readers.Add(1)
		go func() {
			defer readers.Done()
			p.readShards()
		}()
	}
	// Once every reader has finished (single-pass evaluation mode), let the
	// buffer drain down to io.EOF. Training readers never finish on their own.
	go func() {
		readers.Wait()
		p.buf.setDraining()
	}()
	return p, nil
}

// NumShards returns the number of discovered shard files.
func (p *Prefetcher) NumShards() int { return len(p.files) }

// FillFraction reports the current buffer occupancy in [0, 1]. Instrumentation
// only; the value is immediately stale.
func (p *Prefetcher) FillFraction() float64 { return p.buf.fill() }

// Next returns the next raw record. In evaluation mode it returns io.EOF once
// all shards have been consumed. After a decode failure or Close, every call
// returns the same terminal error.
func (p *Prefetcher) Next() ([]byte, error) {
	return p.buf.get()
}

// Close terminates the pipeline, unblocking any worker waiting on a full or
// empty buffer, and waits for all workers to exit.
func (p *Prefetcher) Close() {
	p.terminate(errors.New("prefetcher closed"))
	p.wg.Wait()
}

// terminate latches the terminal error and signals every goroutine to stop.
func (p *Prefetcher) terminate(err error) {
	p.once.Do(func() {
		p.buf.fail(err)
		close(p.stop)
	})
}

// produceShards feeds shard file names into the shard queue. Training mode
// loops forever, reshuffling the order on every pass; evaluation mode makes a
// single in-order pass and closes the queue.
func (p *Prefetcher) produceShards(rng *rand.Rand) {
	defer p.wg.Done()
	defer close(p.shards)
	if !p.cfg.IsTraining {
		for _, file := range p.files {
			select {
			case p.shards <- file:
			case <-p.stop:
				return
			}
		}
		return
	}
	for {
		for _, i := range rng.Perm(len(p.files)) {
			select {
			case p.shards <- p.files[i]:
			case <-p.stop:
				return
			}
		}
	}
}

// readShards consumes shard names and pushes every record of each shard into
// the buffer, blocking when the buffer is full.
func (p *Prefetcher) readShards() {
	defer p.wg.Done()
	for {
		var file string
		var ok bool
		select {
		case <-p.stop:
			return
		case file, ok = <-p.shards:
			if !ok {
				return
			}
		}
		if err := p.readShard(file); err != nil {
			p.terminate(err)
			return
		}
	}
}

func (p *Prefetcher) readShard(file string) error {
	f, err := os.Open(file)
	if err != nil {
		return errors.Wrapf(err, "failed to open shard %q", file)
	}
	defer f.Close()
	reader := records.NewReader(f)
	for {
		raw, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrapf(err, "corrupt shard %q", file)
		}
		if err := p.buf.put(raw); err != nil {
			// Buffer closed or failed; the terminal error is already latched.
			return nil
		}
	}
}
