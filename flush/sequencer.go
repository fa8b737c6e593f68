// Package flush orders cache flushes around writes.
//
// A write may ask for the device's volatile cache to be flushed before it starts (Preflush) and for
// its data to be durable once it completes (FUA). On a device with a write-back cache and no native
// FUA that turns one request into up to three device operations: a flush, the data write and a
// second flush. The Sequencer runs those steps in order and lets many requests share each flush,
// with at most one flush in flight per hardware queue.
package flush

import (
	"context"

	"github.com/pkg/errors"

	"github.com/anupcshan/blkflush/blockdevice"
	"github.com/anupcshan/blkflush/dispatch"
)

// poker is implemented by dispatchers whose dispatch loop can be restarted.
type poker interface {
	Poke()
}

// Sequencer is the submission entry point for one device. It owns one Queue per hardware queue.
type Sequencer struct {
	features blockdevice.BlockDeviceFeatures
	name     string
	queues   []*Queue
	wakers   []*dispatch.Waker
}

// NewSequencer builds a Sequencer for a device with the given features, with one flush queue per
// dispatcher. Dispatchers that can be poked get a Waker restarting them after completions.
func NewSequencer(features blockdevice.BlockDeviceFeatures, cfg Config, dispatchers ...blockdevice.Dispatcher) *Sequencer {
	if len(dispatchers) == 0 {
		panic("flush: sequencer needs at least one dispatcher")
	}
	cfg = cfg.withDefaults()

	sq := &Sequencer{
		features: features,
		name:     cfg.Name,
	}
	for i, dev := range dispatchers {
		var waker Waker
		if p, ok := dev.(poker); ok {
			w := dispatch.NewWaker(p.Poke)
			sq.wakers = append(sq.wakers, w)
			waker = w
		}
		sq.queues = append(sq.queues, newQueue(i, dev, waker, cfg))
	}
	cfg.Logger.Debug().
		Str("sequencer", cfg.Name).
		Int("hw_queues", len(dispatchers)).
		Bool("write_cache", features.WriteCache()).
		Bool("fua", features.FUA()).
		Dur("flush_timeout", cfg.FlushTimeout).
		Stringer("defer_policy", cfg.DeferPolicy).
		Msg("flush sequencer ready")
	return sq
}

// Queue returns the flush queue of hardware context i, wrapping around.
func (sq *Sequencer) Queue(i int) *Queue {
	return sq.queues[uint(i)%uint(len(sq.queues))]
}

// Queues returns the number of hardware contexts.
func (sq *Sequencer) Queues() int {
	return len(sq.queues)
}

// Features returns the device features requests are classified against.
func (sq *Sequencer) Features() blockdevice.BlockDeviceFeatures {
	return sq.features
}

// Submit accepts req. It returns an error only for requests it cannot sequence, in which case
// req.Done is not called. Otherwise req.Done runs exactly once, possibly before Submit returns.
func (sq *Sequencer) Submit(req *Request) error {
	if req.Done == nil {
		return ErrNoCallback
	}

	q := sq.Queue(req.HWQueue)
	steps := Classify(sq.features, req)
	if steps == 0 {
		requestsBypassed.WithLabelValues(q.name, "noop").Inc()
		req.Done(req, nil)
		return nil
	}

	if steps&stepsFlush != 0 && len(req.Segments) > 1 {
		return errors.Wrapf(ErrMultiSegment, "request at %d has %d segments", req.Offset, len(req.Segments))
	}

	// Hardware FUA rides on the data write. Preflush never reaches the device as a write flag.
	dataFlags := req.Flags &^ (blockdevice.Preflush | blockdevice.FUA)
	if req.Flags.FUA() && sq.features.WriteCache() && sq.features.FUA() {
		dataFlags |= blockdevice.FUA
	}

	if steps == StepData {
		requestsBypassed.WithLabelValues(q.name, "data").Inc()
		q.dev.Dispatch(&blockdevice.Command{
			Type:   blockdevice.CommandWrite,
			Offset: req.Offset,
			Data:   req.Segments,
			Flags:  dataFlags,
			Done: func(_ *blockdevice.Command, err error) {
				req.Done(req, err)
			},
		}, false)
		return nil
	}

	s := newSequence(req, steps, dataFlags)
	s.data.Done = func(_ *blockdevice.Command, err error) {
		q.dataDone(s, err)
	}
	q.start(s)
	return nil
}

// Flush makes every write completed before the call durable, by sequencing an empty preflush
// request and waiting for it. Cancelling ctx stops the wait, not the flush.
func (sq *Sequencer) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	req := &Request{
		Flags: blockdevice.Preflush,
		Done: func(_ *Request, err error) {
			done <- err
		},
	}
	if err := sq.Submit(req); err != nil {
		return err
	}

	select {
	case err := <-done:
		return errors.Wrap(err, "flush device")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// KickAll tries to issue a flush on every queue.
func (sq *Sequencer) KickAll() {
	for _, q := range sq.queues {
		q.Kick()
	}
}

// Close stops the flush deadline timers and the wakers. Requests still in sequence keep running on
// the dispatchers.
func (sq *Sequencer) Close() {
	for _, q := range sq.queues {
		q.close()
	}
	for _, w := range sq.wakers {
		w.Stop()
	}
}
