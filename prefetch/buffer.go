package prefetch

import (
	"io"
	"math/rand"
	"sync"
)

// buffer is the bounded record buffer shared by all reader workers.
//
// In training mode dequeue order is randomized and a minimum fill level is
// enforced before any record becomes eligible, trading memory for shuffling
// across shard boundaries. In evaluation mode it degenerates to a plain FIFO
// (minFill 0, randomized off) so record order is reproducible.
type buffer struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	items      [][]byte
	capacity   int
	minFill    int
	randomized bool
	rng        *rand.Rand

	// draining is set once all producers have finished: the fill floor is
	// lifted and get returns io.EOF when the remaining items run out.
	draining bool

	// err, once set, terminates the buffer: every put and get returns it.
	err error
}

func newBuffer(capacity, minFill int, randomized bool, rng *rand.Rand) *buffer {
	b := &buffer{
		items:      make([][]byte, 0, capacity),
		capacity:   capacity,
		minFill:    minFill,
		randomized: randomized,
		rng:        rng,
	}
	b.notFull = sync.NewCond(&b.mu)
	b.notEmpty = sync.NewCond(&b.mu)
	return b
}

// put blocks while the buffer is full. It returns the terminal error if the
// buffer has been failed or closed.
func (b *buffer) put(item []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.err == nil && len(b.items) == b.capacity {
		b.notFull.Wait()
	}
	if b.err != nil {
		return b.err
	}
	b.items = append(b.items, item)
	b.notEmpty.Signal()
	return nil
}

// get blocks until a record is eligible for dequeue. It returns io.EOF once
// producers are done and the buffer is drained, or the terminal error.
func (b *buffer) get() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.err == nil && !b.draining && (len(b.items) == 0 || len(b.items) < b.minFill) {
		b.notEmpty.Wait()
	}
	if b.err != nil {
		return nil, b.err
	}
	if len(b.items) == 0 {
		// Only reachable while draining.
		return nil, io.EOF
	}
	idx := len(b.items) - 1
	if b.randomized {
		// Randomized eviction: swap a random item to the tail and pop it.
		i := b.rng.Intn(len(b.items))
		b.items[i], b.items[idx] = b.items[idx], b.items[i]
	} else {
		// FIFO.
		item := b.items[0]
		copy(b.items, b.items[1:])
		b.items[idx] = item
	}
	item := b.items[idx]
	b.items[idx] = nil
	b.items = b.items[:idx]
	b.notFull.Signal()
	return item, nil
}

// fill returns the current fraction of the buffer capacity in use.
func (b *buffer) fill() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(len(b.items)) / float64(b.capacity)
}

// setDraining lifts the fill floor and lets get run the buffer down to io.EOF.
func (b *buffer) setDraining() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.draining = true
	b.notEmpty.Broadcast()
}

// fail latches err (first one wins) and wakes every blocked producer and
// consumer.
func (b *buffer) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
	b.notFull.Broadcast()
	b.notEmpty.Broadcast()
}
