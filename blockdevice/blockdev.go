package blockdevice

import "github.com/pkg/errors"

// WriteFlags holds options/flags passed into a write-like operation.
type WriteFlags int8

const (
	requestFUA WriteFlags = 1 << iota
	requestPreflush
	requestFailFast
)

const (
	// FUA asks for the data to be on stable media when the write completes.
	FUA = requestFUA
	// Preflush asks for the volatile write cache to be flushed before the write starts.
	Preflush = requestPreflush
	// FailFast asks the device not to retry on transport/device errors.
	FailFast = requestFailFast
)

// FUA indicates if this write-like operation requested FUA.
func (wo WriteFlags) FUA() bool {
	return wo&requestFUA != 0
}

// Preflush indicates if this write-like operation requested a cache flush before its data.
func (wo WriteFlags) Preflush() bool {
	return wo&requestPreflush != 0
}

// FailFast indicates the operation should not be retried by the device.
func (wo WriteFlags) FailFast() bool {
	return wo&requestFailFast != 0
}

// BlockDeviceFeatures holds a set of features this block device supports (or flags describing this
// block device).
type BlockDeviceFeatures int16

const (
	// SupportsFUA indicates this block device supports NBD_CMD_FLAG_FUA.
	SupportsFUA BlockDeviceFeatures = 1 << iota
	// IsRotational sets NBD_FLAG_ROTATIONAL, indicating this block device exports the characteristics
	// of a rotational medium. Clients may choose to use elevator algorithm to interact with this
	// device.
	IsRotational
	// HasWriteCache indicates writes may sit in a volatile cache until the device is flushed.
	// Without it, preflush and FUA requests need no special handling.
	HasWriteCache
)

// WriteCache reports whether the device has a volatile write-back cache.
func (f BlockDeviceFeatures) WriteCache() bool {
	return f&HasWriteCache != 0
}

// FUA reports whether the device honours FUA natively.
func (f BlockDeviceFeatures) FUA() bool {
	return f&SupportsFUA != 0
}

var (
	ErrIO          = errors.New("io error")
	ErrUnsupported = errors.New("operation not supported")
	ErrOutOfRange  = errors.New("offset out of range")
)

// BlockDevice is a minimal block device interface. Each backend must implement this interface.
type BlockDevice interface {
	WriteAt(p []byte, offset uint64, opts WriteFlags) (uint64, error)
	ReadAt(p []byte, offset uint64) (uint64, error)
	Features() BlockDeviceFeatures
	Size() uint64

	// Optional:
	// BlockDeviceFlusher
}

// BlockDeviceFlusher indicates this BlockDevice supports NBD_CMD_FLUSH, i.e. it can write back its
// volatile cache on demand.
type BlockDeviceFlusher interface {
	Flush() error
}

// Flush writes back the device cache if the device has one.
func Flush(dev BlockDevice) error {
	if !dev.Features().WriteCache() {
		return nil
	}
	f, ok := dev.(BlockDeviceFlusher)
	if !ok {
		return errors.Wrap(ErrUnsupported, "device has a write cache but cannot flush it")
	}
	return f.Flush()
}
