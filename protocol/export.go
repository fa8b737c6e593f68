package protocol

import (
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/anupcshan/blkflush/blockdevice"
	"github.com/anupcshan/blkflush/dispatch"
	"github.com/anupcshan/blkflush/flush"
)

// ExportOptions configures the queues behind an Export.
type ExportOptions struct {
	// HWQueues is the number of hardware contexts, each with its own dispatch queue and flush
	// queue. Defaults to 1.
	HWQueues int
	// Depth is the number of shared dispatch slots per hardware context.
	Depth  int
	Flush  flush.Config
	Logger zerolog.Logger
}

// Export is a block device served over NBD. Writes and flushes go through the flush sequencer,
// reads straight to the dispatch queues.
type Export struct {
	name   string
	dev    blockdevice.BlockDevice
	queues []*dispatch.Queue
	seq    *flush.Sequencer
	log    zerolog.Logger
}

// NewExport starts the dispatch queues and flush sequencer for dev.
func NewExport(name string, dev blockdevice.BlockDevice, opts ExportOptions) *Export {
	if opts.HWQueues <= 0 {
		opts.HWQueues = 1
	}
	e := &Export{
		name: name,
		dev:  dev,
		log:  opts.Logger.With().Str("export", name).Logger(),
	}

	dispatchers := make([]blockdevice.Dispatcher, 0, opts.HWQueues)
	for i := 0; i < opts.HWQueues; i++ {
		q := dispatch.New(dev,
			dispatch.WithDepth(opts.Depth),
			dispatch.WithName(name+"/"+strconv.Itoa(i)),
			dispatch.WithLogger(e.log),
		)
		e.queues = append(e.queues, q)
		dispatchers = append(dispatchers, q)
	}

	cfg := opts.Flush
	if cfg.Name == "" {
		cfg.Name = name
	}
	cfg.Logger = e.log
	e.seq = flush.NewSequencer(dev.Features(), cfg, dispatchers...)

	e.log.Info().
		Str("size", humanize.IBytes(dev.Size())).
		Bool("write_cache", dev.Features().WriteCache()).
		Bool("fua", dev.Features().FUA()).
		Int("hw_queues", opts.HWQueues).
		Msg("export ready")
	return e
}

func (e *Export) Name() string {
	return e.name
}

func (e *Export) Size() uint64 {
	return e.dev.Size()
}

// Sequencer returns the flush sequencer writes to the export are submitted to.
func (e *Export) Sequencer() *flush.Sequencer {
	return e.seq
}

// transmissionFlags advertises flush and FUA unconditionally: the sequencer turns them into
// whatever the device needs.
func (e *Export) transmissionFlags() uint16 {
	flags := uint16(FlagHasFlags | FlagSendFlush | FlagSendFUA)
	if e.dev.Features()&blockdevice.IsRotational != 0 {
		flags |= FlagRotational
	}
	return flags
}

// read dispatches a read of len(buf) bytes at offset on hardware context hwq.
func (e *Export) read(hwq int, offset uint64, buf []byte, done func(error)) {
	q := e.queues[uint(hwq)%uint(len(e.queues))]
	q.Dispatch(&blockdevice.Command{
		Type:   blockdevice.CommandRead,
		Offset: offset,
		Data:   [][]byte{buf},
		Done: func(_ *blockdevice.Command, err error) {
			done(err)
		},
	}, false)
}

// Close stops the sequencer and the dispatch queues. Commands still queued fail with
// dispatch.ErrClosed.
func (e *Export) Close() {
	e.seq.Close()
	for _, q := range e.queues {
		q.Close()
	}
}
