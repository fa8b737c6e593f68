package memory

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/anupcshan/blkflush/blockdevice"
)

func TestWriteCacheAndFlush(t *testing.T) {
	d := New(64, blockdevice.HasWriteCache)

	_, err := d.WriteAt([]byte("abcd"), 8, 0)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 4), d.Durable(8, 4))
	require.Equal(t, 1, d.Dirty())

	buf := make([]byte, 6)
	_, err = d.ReadAt(buf, 6)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 'a', 'b', 'c', 'd'}, buf)

	require.NoError(t, d.Flush())
	require.Equal(t, []byte("abcd"), d.Durable(8, 4))
	require.Zero(t, d.Dirty())
}

func TestCrashDropsCache(t *testing.T) {
	d := New(16, blockdevice.HasWriteCache)
	_, err := d.WriteAt([]byte("xy"), 0, 0)
	require.NoError(t, err)
	d.Crash()

	buf := make([]byte, 2)
	_, err = d.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0}, buf)
}

func TestFUAWriteIsDurableAndNotOverwritten(t *testing.T) {
	d := New(16, blockdevice.HasWriteCache|blockdevice.SupportsFUA)
	_, err := d.WriteAt([]byte("old"), 0, 0)
	require.NoError(t, err)
	_, err = d.WriteAt([]byte("new"), 0, blockdevice.FUA)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), d.Durable(0, 3))

	require.NoError(t, d.Flush())
	require.Equal(t, []byte("new"), d.Durable(0, 3))
}

func TestWriteThroughDevice(t *testing.T) {
	d := New(16, 0)
	_, err := d.WriteAt([]byte("z"), 3, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("z"), d.Durable(3, 1))
	require.Zero(t, d.Dirty())
}

func TestFailNext(t *testing.T) {
	d := New(16, blockdevice.HasWriteCache)
	d.FailNext(blockdevice.CommandFlush, blockdevice.ErrIO)

	require.True(t, errors.Is(d.Flush(), blockdevice.ErrIO))
	require.NoError(t, d.Flush())

	ops := d.Ops()
	require.Len(t, ops, 2)
	require.Equal(t, blockdevice.CommandFlush, ops[0].Type)
}

func TestOutOfRange(t *testing.T) {
	d := New(4, 0)
	_, err := d.WriteAt([]byte("hello"), 0, 0)
	require.True(t, errors.Is(err, blockdevice.ErrOutOfRange))
}
