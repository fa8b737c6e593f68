package blockdevice

import "fmt"

// CommandType is the operation a Command asks the device to perform.
type CommandType uint8

const (
	CommandRead CommandType = iota
	CommandWrite
	CommandFlush
)

func (t CommandType) String() string {
	switch t {
	case CommandRead:
		return "read"
	case CommandWrite:
		return "write"
	case CommandFlush:
		return "flush"
	}
	return fmt.Sprintf("op_%d", uint8(t))
}

// SlotKind selects where a Command gets its dispatch slot from.
type SlotKind uint8

const (
	// SlotShared commands take a slot from the queue's shared pool and wait when it is exhausted.
	SlotShared SlotKind = iota
	// SlotReserved commands use the queue's single reserved slot. Only one may be outstanding.
	SlotReserved
)

func (k SlotKind) String() string {
	if k == SlotReserved {
		return "reserved"
	}
	return "shared"
}

// Command is one unit of work handed to a device queue. Done is invoked exactly once, from the
// queue's completion context, when the device finishes the command.
type Command struct {
	Type   CommandType
	Offset uint64
	// Data holds the payload of a write, or the destination buffer of a read. Multiple segments are
	// written back to back starting at Offset.
	Data  [][]byte
	Flags WriteFlags
	Slot  SlotKind
	Done  func(cmd *Command, err error)
}

// Len returns the number of payload bytes carried by the command.
func (c *Command) Len() uint64 {
	var n uint64
	for _, seg := range c.Data {
		n += uint64(len(seg))
	}
	return n
}

// Complete invokes the completion callback, if any.
func (c *Command) Complete(err error) {
	if c.Done != nil {
		c.Done(c, err)
	}
}

// Dispatcher accepts commands for asynchronous execution. When head is set the command is placed in
// front of every queued command.
type Dispatcher interface {
	Dispatch(cmd *Command, head bool)
}

// Execute runs cmd synchronously against dev, returning the device error. Writes of several segments
// stop at the first failing segment.
func Execute(dev BlockDevice, cmd *Command) error {
	switch cmd.Type {
	case CommandRead:
		off := cmd.Offset
		for _, seg := range cmd.Data {
			n, err := dev.ReadAt(seg, off)
			if err != nil {
				return err
			}
			off += n
		}
		return nil
	case CommandWrite:
		off := cmd.Offset
		for i, seg := range cmd.Data {
			flags := cmd.Flags
			if i != len(cmd.Data)-1 {
				flags &^= FUA
			}
			n, err := dev.WriteAt(seg, off, flags)
			if err != nil {
				return err
			}
			off += n
		}
		return nil
	case CommandFlush:
		return Flush(dev)
	}
	return ErrUnsupported
}
