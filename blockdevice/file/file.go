package file

import (
	"os"

	"github.com/pkg/errors"

	"github.com/anupcshan/blkflush/blockdevice"
)

// fileDevice exports a regular file. Writes land in the page cache, which makes the page cache the
// device's volatile write cache: Flush and FUA writes are implemented with fsync.
type fileDevice struct {
	f        *os.File
	size     uint64
	features blockdevice.BlockDeviceFeatures
}

// Option adjusts the features a file device advertises.
type Option func(*fileDevice)

// WithFeatures replaces the features the device advertises. Without SupportsFUA, FUA writes are
// emulated with a flush after the data; without HasWriteCache, flushes become no-ops.
func WithFeatures(features blockdevice.BlockDeviceFeatures) Option {
	return func(d *fileDevice) {
		d.features = features
	}
}

func (f *fileDevice) Features() blockdevice.BlockDeviceFeatures {
	return f.features
}

func (f *fileDevice) ReadAt(p []byte, offset uint64) (uint64, error) {
	if offset+uint64(len(p)) > f.size {
		return 0, errors.Wrapf(blockdevice.ErrOutOfRange, "read %d bytes at %d", len(p), offset)
	}
	n, err := f.f.ReadAt(p, int64(offset))
	return uint64(n), err
}

func (f *fileDevice) WriteAt(p []byte, offset uint64, flags blockdevice.WriteFlags) (uint64, error) {
	if offset+uint64(len(p)) > f.size {
		return 0, errors.Wrapf(blockdevice.ErrOutOfRange, "write %d bytes at %d", len(p), offset)
	}
	n, err := f.f.WriteAt(p, int64(offset))
	if err != nil {
		return uint64(n), err
	}

	if flags.FUA() {
		err = f.f.Sync()
	}
	return uint64(n), err
}

func (f *fileDevice) Flush() error {
	return f.f.Sync()
}

func (f *fileDevice) Size() uint64 {
	return f.size
}

var (
	_ blockdevice.BlockDevice        = (*fileDevice)(nil)
	_ blockdevice.BlockDeviceFlusher = (*fileDevice)(nil)
)

// NewFileDevice wraps f. The export size is the file size at the time of the call.
func NewFileDevice(f *os.File, opts ...Option) (*fileDevice, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat backing file")
	}

	d := &fileDevice{
		f:        f,
		size:     uint64(info.Size()),
		features: blockdevice.SupportsFUA | blockdevice.HasWriteCache,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}
