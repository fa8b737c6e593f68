package flush

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anupcshan/blkflush/blockdevice"
)

type dispatchRecord struct {
	typ    blockdevice.CommandType
	offset uint64
	flags  blockdevice.WriteFlags
	slot   blockdevice.SlotKind
	head   bool
}

// scriptedDispatcher holds dispatched commands until the test completes them.
type scriptedDispatcher struct {
	mu        sync.Mutex
	queue     []*blockdevice.Command
	history   []dispatchRecord
	congested bool
	// doubleFlush is set if a flush was dispatched while another one was outstanding.
	doubleFlush bool
}

func (d *scriptedDispatcher) Dispatch(cmd *blockdevice.Command, head bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cmd.Type == blockdevice.CommandFlush {
		for _, c := range d.queue {
			if c.Type == blockdevice.CommandFlush {
				d.doubleFlush = true
			}
		}
	}
	d.history = append(d.history, dispatchRecord{
		typ:    cmd.Type,
		offset: cmd.Offset,
		flags:  cmd.Flags,
		slot:   cmd.Slot,
		head:   head,
	})
	if head {
		d.queue = append([]*blockdevice.Command{cmd}, d.queue...)
	} else {
		d.queue = append(d.queue, cmd)
	}
}

func (d *scriptedDispatcher) Congested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.congested
}

func (d *scriptedDispatcher) setCongested(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.congested = v
}

// take removes the first outstanding command of type typ.
func (d *scriptedDispatcher) take(t *testing.T, typ blockdevice.CommandType) *blockdevice.Command {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, c := range d.queue {
		if c.Type == typ {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return c
		}
	}
	t.Fatalf("no outstanding %s command", typ)
	return nil
}

// complete takes the first outstanding command of type typ and completes it with err.
func (d *scriptedDispatcher) complete(t *testing.T, typ blockdevice.CommandType, err error) *blockdevice.Command {
	t.Helper()
	cmd := d.take(t, typ)
	cmd.Complete(err)
	return cmd
}

// completeAt completes the outstanding command of type typ at offset.
func (d *scriptedDispatcher) completeAt(t *testing.T, typ blockdevice.CommandType, offset uint64, err error) {
	t.Helper()
	d.mu.Lock()
	var cmd *blockdevice.Command
	for i, c := range d.queue {
		if c.Type == typ && c.Offset == offset {
			cmd = c
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	if cmd == nil {
		t.Fatalf("no outstanding %s command at %d", typ, offset)
	}
	cmd.Complete(err)
}

func (d *scriptedDispatcher) outstanding(typ blockdevice.CommandType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.queue {
		if c.Type == typ {
			n++
		}
	}
	return n
}

func (d *scriptedDispatcher) dispatched(typ blockdevice.CommandType) []dispatchRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []dispatchRecord
	for _, r := range d.history {
		if r.typ == typ {
			out = append(out, r)
		}
	}
	return out
}

func (d *scriptedDispatcher) types() []blockdevice.CommandType {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []blockdevice.CommandType
	for _, r := range d.history {
		out = append(out, r.typ)
	}
	return out
}

func (d *scriptedDispatcher) requireSingleFlush(t *testing.T) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.False(t, d.doubleFlush, "two flush carriers outstanding at once")
}

// completion records the callbacks a request receives.
type completion struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *completion) done(_ *Request, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.err = err
}

func (c *completion) result() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls, c.err
}

// wakeDispatcher parks commands passed to Requeue. Poke waits for release, then dispatches the
// parked commands to the scripted queue.
type wakeDispatcher struct {
	*scriptedDispatcher
	release chan struct{}

	pmu    sync.Mutex
	parked []dispatchOp
}

func newWakeDispatcher() *wakeDispatcher {
	return &wakeDispatcher{
		scriptedDispatcher: &scriptedDispatcher{},
		release:            make(chan struct{}),
	}
}

func (d *wakeDispatcher) Requeue(cmd *blockdevice.Command, head bool) {
	d.pmu.Lock()
	defer d.pmu.Unlock()
	d.parked = append(d.parked, dispatchOp{cmd: cmd, head: head})
}

func (d *wakeDispatcher) Poke() {
	<-d.release
	d.pmu.Lock()
	ops := d.parked
	d.parked = nil
	d.pmu.Unlock()
	for _, op := range ops {
		d.scriptedDispatcher.Dispatch(op.cmd, op.head)
	}
}

func (d *wakeDispatcher) parkedTypes() []blockdevice.CommandType {
	d.pmu.Lock()
	defer d.pmu.Unlock()
	var out []blockdevice.CommandType
	for _, op := range d.parked {
		out = append(out, op.cmd.Type)
	}
	return out
}
