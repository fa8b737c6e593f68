package flush

import (
	"container/list"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/anupcshan/blkflush/blockdevice"
)

// Waker resumes a device's ordinary dispatch loop. While the device is running, Wake must not run
// the loop on the caller's stack.
type Waker interface {
	Wake()
}

// requeuer is implemented by dispatchers able to queue a command without starting it. Commands
// queued that way start once the dispatcher is woken.
type requeuer interface {
	Requeue(cmd *blockdevice.Command, head bool)
}

// congestion is implemented by dispatchers able to tell whether all their shared slots are taken.
type congestion interface {
	Congested() bool
}

// Queue sequences flush requests for one hardware context.
//
// Requests waiting for a flush collect on the pending list. Issuing a flush turns the pending list
// into the running one and switches new arrivals to the other list, so two lists are enough as long
// as only one flush is in flight. A flush is in flight exactly while pendingIdx != runningIdx.
//
// All fields below mu, and every sequence linked on the queue, are protected by mu.
type Queue struct {
	name    string
	dev     blockdevice.Dispatcher
	waker   Waker
	requeue requeuer
	clock   clock.Clock
	timeout time.Duration
	policy  DeferPolicy
	slot    blockdevice.SlotKind
	log     zerolog.Logger

	// npending mirrors the length of the current pending list for the unlocked check in Kick.
	npending int32

	mu           sync.Mutex
	pending      [2]*list.List
	pendingIdx   int
	runningIdx   int
	pendingSince time.Time
	inflight     *list.List
	carrier      blockdevice.Command
	carrierErr   error
	deadline     *clock.Timer
	closed       bool

	issued   uint64
	deferred uint64
	forced   uint64
}

func newQueue(idx int, dev blockdevice.Dispatcher, waker Waker, cfg Config) *Queue {
	name := cfg.Name + "/" + strconv.Itoa(idx)
	q := &Queue{
		name:     name,
		dev:      dev,
		waker:    waker,
		clock:    cfg.Clock,
		timeout:  cfg.FlushTimeout,
		policy:   cfg.DeferPolicy,
		slot:     blockdevice.SlotReserved,
		log:      cfg.Logger.With().Str("queue", name).Logger(),
		pending:  [2]*list.List{list.New(), list.New()},
		inflight: list.New(),
	}
	if cfg.BorrowSlot {
		q.slot = blockdevice.SlotShared
	}
	if r, ok := dev.(requeuer); ok && waker != nil {
		q.requeue = r
	}
	return q
}

// actions collects the device and caller interactions decided under the lock, to be carried out
// once it is released.
type actions struct {
	dispatch []dispatchOp
	finished []*sequence
	wake     bool

	// fromCompletion is set when running on a device completion. Dispatches are then only queued
	// and the waker starts them.
	fromCompletion bool
}

type dispatchOp struct {
	cmd  *blockdevice.Command
	head bool
}

func (q *Queue) run(acts *actions) {
	for _, op := range acts.dispatch {
		if acts.fromCompletion && q.requeue != nil {
			q.requeue.Requeue(op.cmd, op.head)
			acts.wake = true
			continue
		}
		q.dev.Dispatch(op.cmd, op.head)
	}
	for _, s := range acts.finished {
		s.req.Done(s.req, s.err)
	}
	if acts.fromCompletion && acts.wake && q.waker != nil {
		q.waker.Wake()
	}
}

// link puts s on l. s must not be on any list.
func (q *Queue) link(s *sequence, l *list.List) {
	if s.on != nil {
		panic("flush: sequence linked twice")
	}
	s.elem = l.PushBack(s)
	s.on = l
	if l == q.pending[q.pendingIdx] {
		atomic.AddInt32(&q.npending, 1)
	}
	if l == q.inflight {
		dataInFlight.WithLabelValues(q.name).Inc()
	}
}

func (q *Queue) unlink(s *sequence) {
	if s.on == nil {
		return
	}
	if s.on == q.pending[q.pendingIdx] {
		atomic.AddInt32(&q.npending, -1)
	}
	if s.on == q.inflight {
		dataInFlight.WithLabelValues(q.name).Dec()
	}
	s.on.Remove(s.elem)
	s.on, s.elem = nil, nil
}

// start enters a freshly classified request into the sequence. Steps it does not need count as
// done.
func (q *Queue) start(s *sequence) {
	requestsSequenced.WithLabelValues(q.name).Inc()

	var acts actions
	q.mu.Lock()
	q.advance(s, stepsActions&^s.required, nil, &acts)
	q.mu.Unlock()
	q.run(&acts)
}

// advance records completed as done for s, or aborts the sequence when err is set, and moves s to
// wherever its next step needs it. Called with q.mu held.
func (q *Queue) advance(s *sequence, completed Steps, err error, acts *actions) {
	if s.finished() {
		panic("flush: sequence advanced after completion")
	}
	if err != nil {
		// The first failure ends the sequence. Remaining steps are skipped.
		if s.err == nil {
			s.err = err
		}
		s.done = stepsActions
	} else {
		s.done |= completed
	}

	switch step := s.current(); step {
	case StepPreflush, StepPostflush:
		pending := q.pending[q.pendingIdx]
		if pending.Len() == 0 {
			q.pendingSince = q.clock.Now()
			acts.wake = true
		}
		q.link(s, pending)
		q.log.Trace().Stringer("step", step).Uint64("offset", s.req.Offset).Msg("waiting for flush")

	case StepData:
		q.link(s, q.inflight)
		// Requeued data goes ahead of new work so the sequence makes progress.
		acts.dispatch = append(acts.dispatch, dispatchOp{cmd: &s.data, head: true})
		acts.wake = true

	case StepDone:
		q.unlink(s)
		s.done |= StepDone
		if s.err != nil {
			requestsFailed.WithLabelValues(q.name).Inc()
		}
		acts.finished = append(acts.finished, s)
	}

	q.kick(acts)
}

// flushInFlight reports whether the flush carrier is outstanding. Called with q.mu held.
func (q *Queue) flushInFlight() bool {
	return q.pendingIdx != q.runningIdx
}

// kick dispatches the flush carrier for the pending list if it may run now. Called with q.mu held.
func (q *Queue) kick(acts *actions) bool {
	pending := q.pending[q.pendingIdx]
	if q.flushInFlight() || pending.Len() == 0 {
		return false
	}

	if q.inflight.Len() > 0 {
		age := q.clock.Since(q.pendingSince)
		if age < q.timeout {
			if q.mayDefer() {
				// Let data in flight complete so its postflush can share this flush.
				q.deferred++
				flushDeferred.WithLabelValues(q.name).Inc()
				q.armDeadline(q.timeout - age)
				return false
			}
		} else {
			q.forced++
			flushForced.WithLabelValues(q.name).Inc()
		}
	}

	riders := pending.Len()
	q.pendingIdx ^= 1
	// The old pending list is now the running one and no longer counts as pending.
	atomic.StoreInt32(&q.npending, 0)

	first := pending.Front().Value.(*sequence)
	q.carrier = blockdevice.Command{
		Type:  blockdevice.CommandFlush,
		Flags: first.req.Flags & blockdevice.FailFast,
		Slot:  q.slot,
		Done:  q.flushDone,
	}
	q.issued++
	flushIssued.WithLabelValues(q.name).Inc()
	q.log.Debug().Int("riders", riders).Int("data_in_flight", q.inflight.Len()).Msg("issuing flush")

	acts.dispatch = append(acts.dispatch, dispatchOp{cmd: &q.carrier})
	return true
}

func (q *Queue) mayDefer() bool {
	switch q.policy {
	case DeferNever:
		return false
	case DeferUnlessCongested:
		if c, ok := q.dev.(congestion); ok && c.Congested() {
			return false
		}
	}
	return true
}

// armDeadline makes sure a kick happens once the pending list reaches the flush timeout, even if
// nothing else happens on the queue. Called with q.mu held.
func (q *Queue) armDeadline(d time.Duration) {
	if q.deadline != nil || q.closed {
		return
	}
	var t *clock.Timer
	t = q.clock.AfterFunc(d, func() {
		var acts actions
		q.mu.Lock()
		if q.deadline != t {
			// Stopped, or replaced after a stop raced with the fire.
			q.mu.Unlock()
			return
		}
		q.deadline = nil
		q.kick(&acts)
		q.mu.Unlock()
		q.run(&acts)
	})
	q.deadline = t
}

// close stops the deadline timer. Later completions dispatch follow-up work directly, as the waker
// may be gone.
func (q *Queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.deadline != nil {
		q.deadline.Stop()
		q.deadline = nil
	}
}

// flushDone completes the flush carrier: every request on the running list has its flush step done
// (or failed with err) and moves on.
func (q *Queue) flushDone(_ *blockdevice.Command, err error) {
	var acts actions

	q.mu.Lock()
	acts.fromCompletion = !q.closed
	if !q.flushInFlight() {
		q.mu.Unlock()
		panic("flush: carrier completed while none was in flight")
	}
	q.carrierErr = err
	running := q.pending[q.runningIdx]
	q.runningIdx ^= 1

	batch := make([]*sequence, 0, running.Len())
	for e := running.Front(); e != nil; e = e.Next() {
		batch = append(batch, e.Value.(*sequence))
	}
	for _, s := range batch {
		q.unlink(s)
	}
	for _, s := range batch {
		q.advance(s, s.current(), err, &acts)
	}
	// The list filled while the carrier was out may be ready right away.
	q.kick(&acts)
	q.mu.Unlock()

	if err != nil {
		q.log.Warn().Err(err).Int("riders", len(batch)).Msg("flush failed")
	}
	q.run(&acts)
}

// dataDone completes the DATA step of s.
func (q *Queue) dataDone(s *sequence, err error) {
	var acts actions

	q.mu.Lock()
	acts.fromCompletion = !q.closed
	q.unlink(s)
	q.advance(s, StepData, err, &acts)
	q.mu.Unlock()

	q.run(&acts)
}

// Kick tries to issue a flush for the pending list. It returns whether a flush was dispatched.
func (q *Queue) Kick() bool {
	// Unlocked hint only; the decision is taken again under the lock.
	if atomic.LoadInt32(&q.npending) == 0 {
		return false
	}

	var acts actions
	q.mu.Lock()
	issued := q.kick(&acts)
	q.mu.Unlock()
	q.run(&acts)
	return issued
}

// Stats is a snapshot of a Queue.
type Stats struct {
	Pending       int
	Running       int
	DataInFlight  int
	FlushInFlight bool
	Issued        uint64
	Deferred      uint64
	Forced        uint64
	// LastFlushErr is the result of the most recent flush carrier.
	LastFlushErr error
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{
		Pending:       q.pending[q.pendingIdx].Len(),
		DataInFlight:  q.inflight.Len(),
		FlushInFlight: q.flushInFlight(),
		Issued:        q.issued,
		Deferred:      q.deferred,
		Forced:        q.forced,
		LastFlushErr:  q.carrierErr,
	}
	if st.FlushInFlight {
		st.Running = q.pending[q.runningIdx].Len()
	}
	return st
}

// Name returns the label used for the queue in logs and metrics.
func (q *Queue) Name() string {
	return q.name
}
