package protocol

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/anupcshan/blkflush/blockdevice"
	"github.com/anupcshan/blkflush/dispatch"
	"github.com/anupcshan/blkflush/flush"
)

// maxPayloadLength bounds the data of a single READ or WRITE.
const maxPayloadLength = 32 << 20

// transmission serves the requests of one connection after negotiation. Requests are handled
// concurrently and replies are sent as they complete, in any order.
type transmission struct {
	conn   net.Conn
	export *Export
	// hwq is the hardware context this connection submits to.
	hwq int
	log zerolog.Logger

	wmu      sync.Mutex
	inflight sync.WaitGroup
}

// serve reads requests until the client disconnects, then waits for outstanding replies.
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#transmission-phase
func (t *transmission) serve() error {
	defer t.inflight.Wait()

	for {
		var req nbdRequest
		if err := binary.Read(t.conn, binary.BigEndian, &req); err != nil {
			return errors.Wrap(err, "reading request")
		}
		if req.Magic != REQUESTMAGIC {
			return errors.Errorf("bad request magic %x (expected %x)", req.Magic, REQUESTMAGIC)
		}

		switch req.Type {
		case CmdDisc:
			t.log.Debug().Msg("client disconnect")
			return nil

		case CmdRead:
			t.handleRead(req)

		case CmdWrite:
			if err := t.handleWrite(req); err != nil {
				return err
			}

		case CmdFlush:
			t.submit(req, &flush.Request{Flags: blockdevice.Preflush})

		default:
			t.log.Debug().Uint16("type", req.Type).Msg("unsupported command")
			t.reply(req.Handle, EINVAL, nil)
		}
	}
}

func (t *transmission) inRange(req nbdRequest) bool {
	end := req.Offset + uint64(req.Length)
	return end >= req.Offset && end <= t.export.Size()
}

func (t *transmission) handleRead(req nbdRequest) {
	if req.Length > maxPayloadLength || !t.inRange(req) {
		t.reply(req.Handle, EINVAL, nil)
		return
	}

	buf := make([]byte, req.Length)
	t.inflight.Add(1)
	t.export.read(t.hwq, req.Offset, buf, func(err error) {
		defer t.inflight.Done()
		if err != nil {
			t.reply(req.Handle, errno(err), nil)
			return
		}
		t.reply(req.Handle, 0, buf)
	})
}

func (t *transmission) handleWrite(req nbdRequest) error {
	// The payload has to be consumed before anything else can be read off the connection.
	if req.Length > maxPayloadLength {
		return errors.Errorf("write of %d bytes exceeds maximum payload %d", req.Length, maxPayloadLength)
	}
	data := make([]byte, req.Length)
	if _, err := io.ReadFull(t.conn, data); err != nil {
		return errors.Wrap(err, "reading write payload")
	}

	if !t.inRange(req) {
		t.reply(req.Handle, ENOSPC, nil)
		return nil
	}

	var flags blockdevice.WriteFlags
	if req.Flags&CmdFlagFUA != 0 {
		flags |= blockdevice.FUA
	}
	t.submit(req, &flush.Request{
		Offset:   req.Offset,
		Segments: [][]byte{data},
		Flags:    flags,
	})
	return nil
}

// submit hands r to the export's sequencer and replies to req once it completes.
func (t *transmission) submit(req nbdRequest, r *flush.Request) {
	r.HWQueue = t.hwq
	r.Done = func(_ *flush.Request, err error) {
		defer t.inflight.Done()
		t.reply(req.Handle, errno(err), nil)
	}

	t.inflight.Add(1)
	if err := t.export.Sequencer().Submit(r); err != nil {
		t.inflight.Done()
		t.reply(req.Handle, errno(err), nil)
	}
}

func (t *transmission) reply(handle uint64, code uint32, data []byte) {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	// Write errors surface as read errors in serve.
	if err := binary.Write(t.conn, binary.BigEndian, nbdSimpleReply{SIMPLEREPLYMAGIC, code, handle}); err != nil {
		t.log.Debug().Err(err).Uint64("handle", handle).Msg("writing reply")
		return
	}
	if len(data) == 0 {
		return
	}
	if _, err := t.conn.Write(data); err != nil {
		t.log.Debug().Err(err).Uint64("handle", handle).Msg("writing reply data")
	}
}

// errno maps a request error to the NBD error value sent to the client.
func errno(err error) uint32 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, dispatch.ErrClosed):
		return ESHUTDOWN
	case errors.Is(err, blockdevice.ErrOutOfRange), errors.Is(err, flush.ErrMultiSegment):
		return EINVAL
	case errors.Is(err, blockdevice.ErrUnsupported):
		return ENOTSUP
	}
	return EIO
}
