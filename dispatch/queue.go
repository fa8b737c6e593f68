// Package dispatch runs block device commands asynchronously, the way a hardware queue would.
//
// A Queue owns a fixed number of shared dispatch slots plus one reserved slot. Commands wait in a
// FIFO until a slot is available, execute on a worker pool and report completion through their
// Done callback from a worker goroutine. Nothing in here blocks the submitter.
package dispatch

import (
	"sync"

	"github.com/gammazero/deque"
	"github.com/gammazero/workerpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/anupcshan/blkflush/blockdevice"
)

const DefaultDepth = 32

// ErrClosed is delivered to commands dispatched to, or still queued on, a closed Queue.
var ErrClosed = errors.New("dispatch queue closed")

type Option func(*Queue)

// WithDepth sets the number of shared dispatch slots.
func WithDepth(depth int) Option {
	return func(q *Queue) {
		if depth > 0 {
			q.depth = depth
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(q *Queue) {
		q.log = log
	}
}

// WithName labels the queue in logs and metrics.
func WithName(name string) Option {
	return func(q *Queue) {
		q.name = name
	}
}

type Queue struct {
	dev  blockdevice.BlockDevice
	name string
	log  zerolog.Logger
	pool *workerpool.WorkerPool

	mu       sync.Mutex
	waiting  *deque.Deque
	depth    int
	inUse    int
	reserved bool
	closed   bool

	// reservedWaiting counts the commands on waiting that want the reserved slot.
	reservedWaiting int
}

var _ blockdevice.Dispatcher = (*Queue)(nil)

// New starts a queue executing commands against dev.
func New(dev blockdevice.BlockDevice, opts ...Option) *Queue {
	q := &Queue{
		dev:     dev,
		name:    "default",
		log:     zerolog.Nop(),
		waiting: deque.New(),
		depth:   DefaultDepth,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.With().Str("dispatch", q.name).Logger()
	// One worker per slot, plus the reserved one.
	q.pool = workerpool.New(q.depth + 1)
	return q
}

// Dispatch queues cmd and starts whatever can run. Commands with head set jump ahead of everything
// already waiting.
func (q *Queue) Dispatch(cmd *blockdevice.Command, head bool) {
	if q.enqueue(cmd, head) {
		q.pump()
	}
}

// Requeue queues cmd like Dispatch but leaves starting it to the next Poke or completion.
func (q *Queue) Requeue(cmd *blockdevice.Command, head bool) {
	q.enqueue(cmd, head)
}

func (q *Queue) enqueue(cmd *blockdevice.Command, head bool) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		go cmd.Complete(ErrClosed)
		return false
	}
	if head {
		q.waiting.PushFront(cmd)
	} else {
		q.waiting.PushBack(cmd)
	}
	if cmd.Slot == blockdevice.SlotReserved {
		q.reservedWaiting++
	}
	q.mu.Unlock()

	commandsTotal.WithLabelValues(q.name, cmd.Type.String()).Inc()
	return true
}

// Poke restarts the dispatch loop, starting every waiting command that can get a slot.
func (q *Queue) Poke() {
	q.pump()
}

// Congested reports whether every shared slot is taken. The answer may be stale by the time the
// caller looks at it.
func (q *Queue) Congested() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inUse >= q.depth
}

type Stats struct {
	Waiting         int
	ReservedWaiting int
	InUse           int
	Depth           int
	ReservedInUse   bool
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Waiting:         q.waiting.Len(),
		ReservedWaiting: q.reservedWaiting,
		InUse:           q.inUse,
		Depth:           q.depth,
		ReservedInUse:   q.reserved,
	}
}

// Close fails every waiting command with ErrClosed and waits for running ones to complete.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	var drained []*blockdevice.Command
	for q.waiting.Len() > 0 {
		drained = append(drained, q.waiting.PopFront().(*blockdevice.Command))
	}
	q.reservedWaiting = 0
	q.mu.Unlock()

	for _, cmd := range drained {
		cmd.Complete(ErrClosed)
	}
	q.pool.StopWait()
	q.log.Debug().Int("drained", len(drained)).Msg("dispatch queue closed")
}

// acquire takes a slot for cmd. Called with q.mu held.
func (q *Queue) acquire(cmd *blockdevice.Command) bool {
	if cmd.Slot == blockdevice.SlotReserved {
		if q.reserved {
			return false
		}
		q.reserved = true
		return true
	}
	if q.inUse >= q.depth {
		return false
	}
	q.inUse++
	return true
}

func (q *Queue) release(cmd *blockdevice.Command) {
	q.mu.Lock()
	if cmd.Slot == blockdevice.SlotReserved {
		q.reserved = false
	} else {
		q.inUse--
	}
	inUse := q.inUse
	q.mu.Unlock()
	slotsInUse.WithLabelValues(q.name).Set(float64(inUse))
}

func (q *Queue) pump() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	started := 0
	// Shared commands start in FIFO order. A reserved command may pass shared ones stuck behind
	// an exhausted pool.
	for i := 0; i < q.waiting.Len(); {
		if q.inUse >= q.depth && (q.reserved || q.reservedWaiting == 0) {
			break
		}
		cmd := q.waiting.At(i).(*blockdevice.Command)
		if !q.acquire(cmd) {
			i++
			continue
		}
		q.waiting.Remove(i)
		if cmd.Slot == blockdevice.SlotReserved {
			q.reservedWaiting--
		}
		started++
		// Submitting under q.mu keeps Close from stopping the pool in between.
		q.pool.Submit(func() {
			q.execute(cmd)
		})
	}
	if started > 0 {
		slotsInUse.WithLabelValues(q.name).Set(float64(q.inUse))
	}
}

func (q *Queue) execute(cmd *blockdevice.Command) {
	err := blockdevice.Execute(q.dev, cmd)
	if err != nil {
		q.log.Warn().Err(err).
			Stringer("op", cmd.Type).
			Uint64("offset", cmd.Offset).
			Uint64("len", cmd.Len()).
			Msg("command failed")
	}
	q.release(cmd)
	// Refill the freed slot before the callback runs. Commands the callback requeues wait for Poke.
	q.pump()
	cmd.Complete(err)
}
