package network

import (
	"github.com/automoto/netsync/shared/sim"
	"github.com/automoto/netsync/shared/tick"
)

// Stepper advances a predicted state by one tick. It must be the same
// deterministic step the server runs.
type Stepper[S any] func(state S, t tick.Tick, cmd sim.Command) S

// Comparator reports whether two states agree within tolerance.
type Comparator[S any] func(a, b S) bool

// PredictionState is the engine's state machine position.
type PredictionState uint8

const (
	// Idle has no authoritative base yet; inputs are buffered only.
	Idle PredictionState = iota
	// Predicting runs ahead of the server on local inputs.
	Predicting
	// Reconciling is held while an authoritative state is being applied.
	Reconciling
	// Reset discarded all history; the next authoritative state restarts
	// prediction.
	Reset
)

func (s PredictionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Predicting:
		return "predicting"
	case Reconciling:
		return "reconciling"
	case Reset:
		return "reset"
	default:
		return "unknown"
	}
}

// Correction describes a change to the predicted state caused by
// reconciliation. Display code uses it to smooth the visible jump.
type Correction[S any] struct {
	Tick     tick.Tick
	From, To S
	Replayed int
}

// ReconcileResult reports what Reconcile did.
type ReconcileResult[S any] struct {
	// Discarded is set for authoritative ticks not newer than the last
	// reconciled one.
	Discarded bool
	// Diverged is set when the authoritative state disagreed with the
	// prediction for its tick.
	Diverged   bool
	Replayed   int
	Correction *Correction[S]
}

type historySlot[S any] struct {
	tick  tick.Tick
	state S
	ok    bool
}

// Engine predicts one locally controlled entity and reconciles it against
// authoritative states. History is a tick-indexed arena: rewind sets the
// state back to an authoritative tick and replay re-applies the buffered
// input range after it.
type Engine[S any] struct {
	step  Stepper[S]
	equal Comparator[S]

	inputs  *InputBuffer
	history []historySlot[S]

	state       PredictionState
	current     S
	currentTick tick.Tick

	reconciled    tick.Tick
	hasReconciled bool
	baseCmd       sim.Command
}

// NewEngine returns an idle engine keeping capacity ticks of inputs and
// predicted history.
func NewEngine[S any](step Stepper[S], equal Comparator[S], capacity int) *Engine[S] {
	if capacity < 1 {
		capacity = 1
	}
	return &Engine[S]{
		step:    step,
		equal:   equal,
		inputs:  NewInputBuffer(capacity),
		history: make([]historySlot[S], capacity),
	}
}

func (e *Engine[S]) State() PredictionState {
	return e.state
}

// Current returns the predicted state and its tick.
func (e *Engine[S]) Current() (S, tick.Tick) {
	return e.current, e.currentTick
}

// LastReconciled returns the newest authoritative tick applied.
func (e *Engine[S]) LastReconciled() (tick.Tick, bool) {
	return e.reconciled, e.hasReconciled
}

// Inputs exposes the engine's input buffer.
func (e *Engine[S]) Inputs() *InputBuffer {
	return e.inputs
}

func (e *Engine[S]) slot(t tick.Tick) *historySlot[S] {
	return &e.history[uint64(t)%uint64(len(e.history))]
}

func (e *Engine[S]) record(t tick.Tick, s S) {
	*e.slot(t) = historySlot[S]{tick: t, state: s, ok: true}
}

// Predicted returns the predicted state stored for t.
func (e *Engine[S]) Predicted(t tick.Tick) (S, bool) {
	h := e.slot(t)
	if !h.ok || h.tick != t {
		var zero S
		return zero, false
	}
	return h.state, true
}

func (e *Engine[S]) commandFor(t tick.Tick, last sim.Command) sim.Command {
	if cmd, ok := e.inputs.Get(t); ok {
		return cmd
	}
	return last
}

// Predict buffers cmd for t and, once a base state exists, applies it
// immediately. Ticks skipped since the previous prediction are filled with
// the last known command. Predicting a tick at or before the current one
// only replaces its buffered input.
func (e *Engine[S]) Predict(t tick.Tick, cmd sim.Command) (S, bool) {
	e.inputs.Push(t, cmd)
	if e.state != Predicting {
		return e.current, false
	}
	if t <= e.currentTick {
		return e.current, true
	}

	last := e.baseCmd
	if cmd, ok := e.inputs.Get(e.currentTick); ok {
		last = cmd
	}
	for tt := e.currentTick + 1; tt <= t; tt++ {
		last = e.commandFor(tt, last)
		e.current = e.step(e.current, tt, last)
		e.record(tt, e.current)
	}
	e.currentTick = t
	return e.current, true
}

// Reconcile applies the authoritative state for t. Out of order ticks are
// discarded. A state that matches the stored prediction needs no replay;
// otherwise the prediction is rewound to auth and every buffered input after
// t is replayed. Inputs and history through t are evicted afterwards.
func (e *Engine[S]) Reconcile(t tick.Tick, auth S) ReconcileResult[S] {
	if e.hasReconciled && t <= e.reconciled {
		return ReconcileResult[S]{Discarded: true}
	}

	prev := e.state
	e.state = Reconciling
	defer func() { e.state = Predicting }()

	if cmd, ok := e.inputs.Get(t); ok {
		e.baseCmd = cmd
	}
	e.reconciled = t
	e.hasReconciled = true

	var res ReconcileResult[S]
	switch {
	case prev == Idle || prev == Reset:
		e.rewind(t, auth)
		res.Replayed = e.replay(t, e.inputs.Newest())
	case t >= e.currentTick:
		// The server is at or past our prediction; adopt its state.
		old := e.current
		res.Diverged = !e.equal(old, auth)
		e.rewind(t, auth)
		res.Replayed = e.replay(t, e.inputs.Newest())
		if res.Diverged {
			res.Correction = &Correction[S]{Tick: t, From: old, To: e.current, Replayed: res.Replayed}
		}
	default:
		predicted, ok := e.Predicted(t)
		if ok && e.equal(predicted, auth) {
			break
		}
		old, end := e.current, e.currentTick
		res.Diverged = true
		e.rewind(t, auth)
		res.Replayed = e.replay(t, end)
		res.Correction = &Correction[S]{Tick: t, From: old, To: e.current, Replayed: res.Replayed}
	}

	e.inputs.EvictThrough(t)
	return res
}

func (e *Engine[S]) rewind(t tick.Tick, auth S) {
	e.current = auth
	e.currentTick = t
	e.record(t, auth)
}

// replay re-runs the step for ticks after the current one through end.
func (e *Engine[S]) replay(from, end tick.Tick) int {
	n := 0
	last := e.baseCmd
	for tt := from + 1; tt <= end; tt++ {
		last = e.commandFor(tt, last)
		e.current = e.step(e.current, tt, last)
		e.record(tt, e.current)
		e.currentTick = tt
		n++
	}
	return n
}

// Reset discards every buffered input and predicted state. The next
// Reconcile starts prediction again from its authoritative state.
func (e *Engine[S]) Reset() {
	e.inputs.Reset()
	clear(e.history)
	var zero S
	e.current = zero
	e.currentTick = 0
	e.hasReconciled = false
	e.reconciled = 0
	e.baseCmd = sim.Command{}
	e.state = Reset
}
