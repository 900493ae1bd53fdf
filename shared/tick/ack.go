package tick

// AckBits is how many ticks before the base an Ack can confirm.
const AckBits = 32

// Ack confirms receipt of the snapshot at Base and, through Bits, of the
// AckBits snapshots before it. Bit i set means tick Base-1-i was received.
type Ack struct {
	Base Tick
	Bits uint32
}

// Has reports whether the ack confirms tick t.
func (a Ack) Has(t Tick) bool {
	if t == a.Base {
		return true
	}
	if t > a.Base {
		return false
	}
	d := uint64(a.Base - t - 1)
	return d < AckBits && a.Bits&(1<<d) != 0
}

// Oldest returns the oldest tick the ack can speak for.
func (a Ack) Oldest() Tick {
	if a.Base < AckBits {
		return 0
	}
	return a.Base - AckBits
}

// Receipts accumulates received snapshot ticks on the client and produces the
// Ack sent back to the server.
type Receipts struct {
	base    Tick
	bits    uint32
	started bool
}

// Record marks t as received. Ticks older than the window are ignored.
func (r *Receipts) Record(t Tick) {
	if !r.started {
		r.base = t
		r.bits = 0
		r.started = true
		return
	}

	switch {
	case t == r.base:
	case t > r.base:
		shift := uint64(t - r.base)
		if shift > AckBits {
			r.bits = 0
		} else {
			r.bits = r.bits<<shift | 1<<(shift-1)
		}
		r.base = t
	default:
		d := uint64(r.base - t - 1)
		if d < AckBits {
			r.bits |= 1 << d
		}
	}
}

// Ack returns the current acknowledgement, or false if nothing was received.
func (r *Receipts) Ack() (Ack, bool) {
	if !r.started {
		return Ack{}, false
	}
	return Ack{Base: r.base, Bits: r.bits}, true
}

// Reset forgets every received tick.
func (r *Receipts) Reset() {
	*r = Receipts{}
}
