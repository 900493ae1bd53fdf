package interest

import (
	"math"
	"sort"

	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/snapshot"
)

// Tier is the coarse priority class of a candidate. Higher tiers are always
// sent before lower ones, whatever the PriorityFunc says.
type Tier uint8

const (
	TierSpatial Tier = iota
	TierChanged
	TierDespawn
	TierOwned
)

func (t Tier) String() string {
	switch t {
	case TierOwned:
		return "owned"
	case TierDespawn:
		return "despawn"
	case TierChanged:
		return "changed"
	default:
		return "spatial"
	}
}

// Candidate is a unit of records for one entity that is sent whole or not
// at all.
type Candidate struct {
	Entity      protocol.EntityID
	Tier        Tier
	DistanceSq  float64
	Accumulated float64
	Records     []snapshot.Record
}

// Size returns the encoded size of the candidate's records.
func (c Candidate) Size() int {
	n := 0
	for _, r := range c.Records {
		n += snapshot.RecordSize(r)
	}
	return n
}

func (c Candidate) firstKind() protocol.Kind {
	if len(c.Records) == 0 {
		return 0
	}
	return c.Records[0].Kind
}

// PriorityFunc scores a candidate within its tier. Higher scores are sent
// first. Ties fall back to ascending entity id, then kind.
type PriorityFunc func(c Candidate) float64

// DefaultPriority prefers candidates that have waited longest, then the
// closest ones.
func DefaultPriority(c Candidate) float64 {
	d := c.DistanceSq
	if math.IsInf(d, 1) || math.IsNaN(d) {
		d = math.MaxFloat64
	}
	return c.Accumulated - math.Sqrt(d)
}

// Selection is the outcome of budgeted selection.
type Selection struct {
	// Records holds the chosen records ordered by entity id, then kind.
	Records []snapshot.Record
	Sent     []Candidate
	Deferred []Candidate
	// Oversized holds candidates that cannot fit even in an empty snapshot.
	Oversized []Candidate
	Bytes     int
}

// Select ranks candidates by tier, then priority, and takes them greedily
// until the next one no longer fits. Selection stops there rather than
// skipping ahead, so nothing of lower rank overtakes a deferred candidate.
// The encoded snapshot of the result never exceeds budget.
func Select(candidates []Candidate, budget int, priority PriorityFunc) Selection {
	if priority == nil {
		priority = DefaultPriority
	}

	type ranked struct {
		c     Candidate
		score float64
	}
	rs := make([]ranked, len(candidates))
	for i, c := range candidates {
		rs[i] = ranked{c: c, score: priority(c)}
	}
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.c.Tier != b.c.Tier {
			return a.c.Tier > b.c.Tier
		}
		if a.score != b.score {
			return a.score > b.score
		}
		if a.c.Entity != b.c.Entity {
			return a.c.Entity < b.c.Entity
		}
		return a.c.firstKind() < b.c.firstKind()
	})

	sel := Selection{Bytes: snapshot.HeaderSize}
	full := false
	for _, r := range rs {
		size := r.c.Size()
		switch {
		case snapshot.HeaderSize+size > budget:
			sel.Oversized = append(sel.Oversized, r.c)
		case full || sel.Bytes+size > budget:
			full = true
			sel.Deferred = append(sel.Deferred, r.c)
		default:
			sel.Bytes += size
			sel.Sent = append(sel.Sent, r.c)
			sel.Records = append(sel.Records, r.c.Records...)
		}
	}

	sort.SliceStable(sel.Records, func(i, j int) bool {
		return sel.Records[i].Slot().Less(sel.Records[j].Slot())
	})
	return sel
}

// Units splits one entity's records into candidates so that kinds linked by
// group always share a candidate. Records must be in ascending kind order;
// candidates come back ordered by their lowest kind.
func Units(entity protocol.EntityID, records []snapshot.Record, group func(protocol.Kind) []protocol.Kind) []Candidate {
	var out []Candidate
	index := make(map[protocol.Kind]int)
	for _, r := range records {
		key := r.Kind
		if g := group(r.Kind); len(g) > 0 {
			key = g[0]
		}
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, Candidate{Entity: entity})
		}
		out[i].Records = append(out[i].Records, r)
	}
	return out
}
