// Package memory implements an in-memory block device with an explicit volatile write cache.
//
// Writes are kept in the cache until Flush (or a FUA write) moves them to the durable image. Crash
// drops whatever is still cached, which makes the device useful for checking flush ordering.
package memory

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/anupcshan/blkflush/blockdevice"
)

// Op records one operation observed by the device, in execution order.
type Op struct {
	Type   blockdevice.CommandType
	Offset uint64
	Len    int
	FUA    bool
}

type cachedWrite struct {
	offset uint64
	data   []byte
}

// Device is safe for concurrent use.
type Device struct {
	mu       sync.Mutex
	features blockdevice.BlockDeviceFeatures
	durable  []byte
	cache    []cachedWrite
	ops      []Op
	failures map[blockdevice.CommandType][]error
}

var (
	_ blockdevice.BlockDevice        = (*Device)(nil)
	_ blockdevice.BlockDeviceFlusher = (*Device)(nil)
)

// New returns a zeroed device of the given size.
func New(size uint64, features blockdevice.BlockDeviceFeatures) *Device {
	return &Device{
		features: features,
		durable:  make([]byte, size),
		failures: make(map[blockdevice.CommandType][]error),
	}
}

func (d *Device) Features() blockdevice.BlockDeviceFeatures {
	return d.features
}

func (d *Device) Size() uint64 {
	return uint64(len(d.durable))
}

// FailNext makes the next operation of type t fail with err. Calls queue up.
func (d *Device) FailNext(t blockdevice.CommandType, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[t] = append(d.failures[t], err)
}

func (d *Device) injected(t blockdevice.CommandType) error {
	errs := d.failures[t]
	if len(errs) == 0 {
		return nil
	}
	d.failures[t] = errs[1:]
	return errs[0]
}

func (d *Device) checkRange(offset uint64, n int) error {
	if offset+uint64(n) > uint64(len(d.durable)) {
		return errors.Wrapf(blockdevice.ErrOutOfRange, "%d bytes at %d", n, offset)
	}
	return nil
}

func (d *Device) ReadAt(p []byte, offset uint64) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ops = append(d.ops, Op{Type: blockdevice.CommandRead, Offset: offset, Len: len(p)})
	if err := d.injected(blockdevice.CommandRead); err != nil {
		return 0, err
	}
	if err := d.checkRange(offset, len(p)); err != nil {
		return 0, err
	}

	copy(p, d.durable[offset:])
	for _, w := range d.cache {
		overlay(p, offset, w)
	}
	return uint64(len(p)), nil
}

func (d *Device) WriteAt(p []byte, offset uint64, flags blockdevice.WriteFlags) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fua := flags.FUA() && d.features.FUA()
	d.ops = append(d.ops, Op{Type: blockdevice.CommandWrite, Offset: offset, Len: len(p), FUA: fua})
	if err := d.injected(blockdevice.CommandWrite); err != nil {
		return 0, err
	}
	if err := d.checkRange(offset, len(p)); err != nil {
		return 0, err
	}

	data := append([]byte(nil), p...)
	if !d.features.WriteCache() || fua {
		copy(d.durable[offset:], data)
	}
	if d.features.WriteCache() {
		// A FUA write stays cached too, so older cached writes to the same range can't overwrite it
		// when they are written back.
		d.cache = append(d.cache, cachedWrite{offset: offset, data: data})
	}
	return uint64(len(p)), nil
}

func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ops = append(d.ops, Op{Type: blockdevice.CommandFlush})
	if err := d.injected(blockdevice.CommandFlush); err != nil {
		return err
	}
	for _, w := range d.cache {
		copy(d.durable[w.offset:], w.data)
	}
	d.cache = nil
	return nil
}

// Crash discards the volatile cache, as a power loss would.
func (d *Device) Crash() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = nil
}

// Durable returns a copy of n durable bytes at offset, ignoring the cache.
func (d *Device) Durable(offset uint64, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.durable[offset:offset+uint64(n)]...)
}

// Dirty returns the number of writes still held in the volatile cache.
func (d *Device) Dirty() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cache)
}

// Ops returns the operations executed so far.
func (d *Device) Ops() []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Op(nil), d.ops...)
}

func overlay(p []byte, offset uint64, w cachedWrite) {
	end := offset + uint64(len(p))
	wend := w.offset + uint64(len(w.data))
	if wend <= offset || w.offset >= end {
		return
	}
	lo, hi := max(offset, w.offset), min(end, wend)
	copy(p[lo-offset:hi-offset], w.data[lo-w.offset:hi-w.offset])
}
