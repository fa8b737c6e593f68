package flush

import (
	"bytes"
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/anupcshan/blkflush/blockdevice"
	"github.com/anupcshan/blkflush/blockdevice/memory"
	"github.com/anupcshan/blkflush/dispatch"
)

const blockSize = 4096

func newDeviceSequencer(t *testing.T, features blockdevice.BlockDeviceFeatures, cfg Config) (*Sequencer, *memory.Device) {
	t.Helper()
	dev := memory.New(64*blockSize, features)
	dq := dispatch.New(dev, dispatch.WithDepth(4), dispatch.WithName(t.Name()))
	cfg.Name = t.Name()
	sq := NewSequencer(features, cfg, dq)
	t.Cleanup(func() {
		sq.Close()
		dq.Close()
		goleak.VerifyNone(t)
	})
	return sq, dev
}

// submitWait submits req and waits for its completion.
func submitWait(t *testing.T, sq *Sequencer, req *Request) error {
	t.Helper()
	done := make(chan error, 1)
	req.Done = func(_ *Request, err error) {
		done <- err
	}
	require.NoError(t, sq.Submit(req))
	return <-done
}

func block(fill byte) [][]byte {
	return [][]byte{bytes.Repeat([]byte{fill}, blockSize)}
}

func opTypes(ops []memory.Op) []blockdevice.CommandType {
	var out []blockdevice.CommandType
	for _, op := range ops {
		out = append(out, op.Type)
	}
	return out
}

func TestDeviceFlushWriteFlush(t *testing.T) {
	sq, dev := newDeviceSequencer(t, blockdevice.HasWriteCache, Config{})

	require.NoError(t, submitWait(t, sq, &Request{
		Offset:   blockSize,
		Segments: block(0xab),
		Flags:    blockdevice.Preflush | blockdevice.FUA,
	}))

	require.Equal(t, []blockdevice.CommandType{
		blockdevice.CommandFlush,
		blockdevice.CommandWrite,
		blockdevice.CommandFlush,
	}, opTypes(dev.Ops()))
	require.Zero(t, dev.Dirty())
	require.Equal(t, block(0xab)[0], dev.Durable(blockSize, blockSize))
}

func TestDeviceNativeFUA(t *testing.T) {
	sq, dev := newDeviceSequencer(t, blockdevice.HasWriteCache|blockdevice.SupportsFUA, Config{})

	require.NoError(t, submitWait(t, sq, &Request{Segments: block(0x01)}))
	require.NoError(t, submitWait(t, sq, &Request{
		Offset:   blockSize,
		Segments: block(0x02),
		Flags:    blockdevice.FUA,
	}))

	ops := dev.Ops()
	require.Len(t, ops, 2)
	require.False(t, ops[0].FUA)
	require.True(t, ops[1].FUA)

	// Only the FUA write survives a power loss.
	dev.Crash()
	require.Equal(t, make([]byte, blockSize), dev.Durable(0, blockSize))
	require.Equal(t, block(0x02)[0], dev.Durable(blockSize, blockSize))
}

func TestDeviceWriteErrorSkipsPostflush(t *testing.T) {
	sq, dev := newDeviceSequencer(t, blockdevice.HasWriteCache, Config{})
	dev.FailNext(blockdevice.CommandWrite, blockdevice.ErrIO)

	err := submitWait(t, sq, &Request{
		Segments: block(0xff),
		Flags:    blockdevice.Preflush | blockdevice.FUA,
	})
	require.True(t, errors.Is(err, blockdevice.ErrIO))
	require.Equal(t, []blockdevice.CommandType{
		blockdevice.CommandFlush,
		blockdevice.CommandWrite,
	}, opTypes(dev.Ops()))
}

func TestDeviceConcurrentFUAWrites(t *testing.T) {
	sq, dev := newDeviceSequencer(t, blockdevice.HasWriteCache, Config{})

	const writers = 32
	calls := make([]completion, writers)
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		i := i
		g.Go(func() error {
			done := make(chan error, 1)
			err := sq.Submit(&Request{
				Offset:   uint64(i) * blockSize,
				Segments: block(byte(i + 1)),
				Flags:    blockdevice.Preflush | blockdevice.FUA,
				HWQueue:  i,
				Done: func(r *Request, err error) {
					calls[i].done(r, err)
					done <- err
				},
			})
			if err != nil {
				return err
			}
			return <-done
		})
	}
	require.NoError(t, g.Wait())

	for i := range calls {
		n, err := calls[i].result()
		require.Equal(t, 1, n)
		require.NoError(t, err)
		require.Equal(t, block(byte(i + 1))[0], dev.Durable(uint64(i)*blockSize, blockSize))
	}
	require.Zero(t, dev.Dirty())

	// Flushes are shared, never more than two per writer.
	var flushes int
	for _, op := range dev.Ops() {
		if op.Type == blockdevice.CommandFlush {
			flushes++
		}
	}
	require.LessOrEqual(t, flushes, 2*writers)
	st := sq.Queue(0).Stats()
	require.Equal(t, uint64(flushes), st.Issued)
	require.Zero(t, st.Pending)
	require.False(t, st.FlushInFlight)
}

func TestDeviceFlush(t *testing.T) {
	sq, dev := newDeviceSequencer(t, blockdevice.HasWriteCache, Config{})

	for i := 0; i < 4; i++ {
		require.NoError(t, submitWait(t, sq, &Request{
			Offset:   uint64(i) * blockSize,
			Segments: block(0x10),
		}))
	}
	require.Equal(t, 4, dev.Dirty())

	require.NoError(t, sq.Flush(context.Background()))
	require.Zero(t, dev.Dirty())
	dev.Crash()
	require.Equal(t, bytes.Repeat([]byte{0x10}, 4*blockSize), dev.Durable(0, 4*blockSize))
}

func TestDeviceFlushError(t *testing.T) {
	sq, dev := newDeviceSequencer(t, blockdevice.HasWriteCache, Config{})
	dev.FailNext(blockdevice.CommandFlush, blockdevice.ErrIO)

	err := sq.Flush(context.Background())
	require.True(t, errors.Is(err, blockdevice.ErrIO))
	require.True(t, errors.Is(sq.Queue(0).Stats().LastFlushErr, blockdevice.ErrIO))
}
