package network

import (
	"github.com/automoto/netsync/shared/sim"
	"github.com/automoto/netsync/shared/tick"
)

// InputRecord is one buffered command.
type InputRecord struct {
	Tick    tick.Tick
	Command sim.Command
}

type inputSlot struct {
	InputRecord
	ok bool
}

// InputBuffer is a ring of commands keyed by tick. When it is full the
// oldest command is dropped and Overflowed reports it; that only shortens
// the history available to replay.
type InputBuffer struct {
	slots      []inputSlot
	count      int
	newest     tick.Tick
	last       InputRecord
	hasLast    bool
	overflowed bool
}

// NewInputBuffer returns a buffer holding up to capacity ticks.
func NewInputBuffer(capacity int) *InputBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &InputBuffer{slots: make([]inputSlot, capacity)}
}

func (b *InputBuffer) slot(t tick.Tick) *inputSlot {
	return &b.slots[uint64(t)%uint64(len(b.slots))]
}

// Push stores cmd for t, replacing any command already stored for t.
func (b *InputBuffer) Push(t tick.Tick, cmd sim.Command) {
	s := b.slot(t)
	switch {
	case !s.ok:
		b.count++
	case s.Tick != t:
		b.overflowed = true
	}
	*s = inputSlot{InputRecord: InputRecord{Tick: t, Command: cmd}, ok: true}

	if !b.hasLast || t >= b.newest {
		b.newest = t
		b.last = s.InputRecord
		b.hasLast = true
	}
}

// Get returns the command stored for t.
func (b *InputBuffer) Get(t tick.Tick) (sim.Command, bool) {
	s := b.slot(t)
	if !s.ok || s.Tick != t {
		return sim.Command{}, false
	}
	return s.Command, true
}

// EvictThrough drops every command for ticks up to and including t.
func (b *InputBuffer) EvictThrough(t tick.Tick) {
	for i := range b.slots {
		s := &b.slots[i]
		if s.ok && s.Tick <= t {
			*s = inputSlot{}
			b.count--
		}
	}
}

// Last returns the most recent command pushed, even if it was evicted.
func (b *InputBuffer) Last() (InputRecord, bool) {
	return b.last, b.hasLast
}

// Newest returns the highest tick pushed.
func (b *InputBuffer) Newest() tick.Tick {
	return b.newest
}

// Since returns the buffered commands after t in tick order.
func (b *InputBuffer) Since(t tick.Tick) []InputRecord {
	var out []InputRecord
	if !b.hasLast || b.newest <= t {
		return out
	}
	from := t + 1
	if span := tick.Tick(len(b.slots)); b.newest-from >= span {
		from = b.newest - span + 1
	}
	for tt := from; tt <= b.newest; tt++ {
		if cmd, ok := b.Get(tt); ok {
			out = append(out, InputRecord{Tick: tt, Command: cmd})
		}
	}
	return out
}

// Len returns the number of buffered commands.
func (b *InputBuffer) Len() int {
	return b.count
}

func (b *InputBuffer) Cap() int {
	return len(b.slots)
}

// Overflowed reports whether a command was dropped to make room since the
// last call, and clears the flag.
func (b *InputBuffer) Overflowed() bool {
	o := b.overflowed
	b.overflowed = false
	return o
}

// Reset drops every command and the last-command memory.
func (b *InputBuffer) Reset() {
	clear(b.slots)
	*b = InputBuffer{slots: b.slots}
}
