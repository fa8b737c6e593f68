package flush

import (
	"container/list"

	"github.com/anupcshan/blkflush/blockdevice"
)

// Request is a write submitted to a Sequencer. A request without payload and with the Preflush flag
// set is a pure cache flush.
//
// The Sequencer never modifies a Request. Done is called exactly once, after the last required step
// or the first failure, unless Submit rejected the request.
type Request struct {
	Offset uint64
	// Segments is the payload. Requests that need flush sequencing carry at most one segment.
	Segments [][]byte
	Flags    blockdevice.WriteFlags
	// HWQueue selects the hardware context the request is sequenced on.
	HWQueue int
	Done    func(req *Request, err error)
}

// Len returns the payload size in bytes.
func (r *Request) Len() uint64 {
	var n uint64
	for _, seg := range r.Segments {
		n += uint64(len(seg))
	}
	return n
}

// sequence wraps a Request while it goes through its flush sequence. It carries everything the
// sequence needs so the caller's Request stays untouched. A sequence sits on at most one of the
// queue's lists at a time.
type sequence struct {
	req      *Request
	required Steps
	done     Steps
	err      error

	// data is the DATA step's device command.
	data blockdevice.Command

	elem *list.Element
	on   *list.List
}

func newSequence(req *Request, required Steps, dataFlags blockdevice.WriteFlags) *sequence {
	s := &sequence{
		req:      req,
		required: required,
	}
	s.data = blockdevice.Command{
		Type:   blockdevice.CommandWrite,
		Offset: req.Offset,
		Data:   req.Segments,
		Flags:  dataFlags,
	}
	return s
}

// current returns the lowest step that is not done, or StepDone when nothing is left.
func (s *sequence) current() Steps {
	left := stepsActions &^ s.done
	if left == 0 {
		return StepDone
	}
	return left & -left
}

func (s *sequence) finished() bool {
	return s.done&StepDone != 0
}
