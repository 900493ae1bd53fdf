package interest

import (
	"math"

	"github.com/automoto/netsync/shared/gamemath"
	"github.com/automoto/netsync/shared/protocol"
	"github.com/solarlune/resolv"
)

const (
	tagReplicated = "replicated"
	tagQuery      = "query"
)

type point struct {
	x, y float64
}

// Index is a uniform-grid spatial index over replicated entity positions.
// Entities outside the world bounds are indexed at the nearest edge; exact
// distances always use the real position.
type Index struct {
	space     *resolv.Space
	objects   map[protocol.EntityID]*resolv.Object
	positions map[protocol.EntityID]point
	width     float64
	height    float64
}

// NewIndex covers a width x height world with square cells of cellSize.
func NewIndex(width, height, cellSize int) *Index {
	return &Index{
		space:     resolv.NewSpace(width, height, cellSize, cellSize),
		objects:   make(map[protocol.EntityID]*resolv.Object),
		positions: make(map[protocol.EntityID]point),
		width:     float64(width),
		height:    float64(height),
	}
}

func (ix *Index) clamp(x, y float64) (float64, float64) {
	return gamemath.Clamp(x, 0, ix.width-1), gamemath.Clamp(y, 0, ix.height-1)
}

// Update inserts or moves id.
func (ix *Index) Update(id protocol.EntityID, x, y float64) {
	ix.positions[id] = point{x, y}
	cx, cy := ix.clamp(x, y)

	obj, ok := ix.objects[id]
	if !ok {
		obj = resolv.NewObject(cx, cy, 1, 1, tagReplicated)
		obj.Data = id
		ix.objects[id] = obj
		ix.space.Add(obj)
		return
	}
	if obj.X == cx && obj.Y == cy {
		return
	}
	obj.X = cx
	obj.Y = cy
	obj.Update()
}

// Remove drops id from the index.
func (ix *Index) Remove(id protocol.EntityID) {
	obj, ok := ix.objects[id]
	if !ok {
		return
	}
	ix.space.Remove(obj)
	delete(ix.objects, id)
	delete(ix.positions, id)
}

func (ix *Index) Has(id protocol.EntityID) bool {
	_, ok := ix.positions[id]
	return ok
}

// Position returns the last indexed position of id.
func (ix *Index) Position(id protocol.EntityID) (x, y float64, ok bool) {
	p, ok := ix.positions[id]
	return p.x, p.y, ok
}

// Len returns the number of indexed entities.
func (ix *Index) Len() int {
	return len(ix.positions)
}

// Within appends to dst every entity within radius of (x, y).
func (ix *Index) Within(x, y, radius float64, dst []protocol.EntityID) []protocol.EntityID {
	minX, minY := ix.clamp(x-radius, y-radius)
	maxX, maxY := ix.clamp(x+radius, y+radius)

	q := resolv.NewObject(minX, minY, math.Max(maxX-minX, 1), math.Max(maxY-minY, 1), tagQuery)
	ix.space.Add(q)
	defer ix.space.Remove(q)

	check := q.Check(0, 0, tagReplicated)
	if check == nil {
		return dst
	}

	r2 := radius * radius
	for _, obj := range check.Objects {
		id, ok := obj.Data.(protocol.EntityID)
		if !ok {
			continue
		}
		p := ix.positions[id]
		if gamemath.DistanceSq(x, y, p.x, p.y) <= r2 {
			dst = append(dst, id)
		}
	}
	return dst
}

// NearestSq returns the squared distance from id to the closest of
// viewers, or +Inf if either side has no position.
func (ix *Index) NearestSq(id protocol.EntityID, viewers []protocol.EntityID) float64 {
	best := math.Inf(1)
	p, ok := ix.positions[id]
	if !ok {
		return best
	}
	for _, v := range viewers {
		if vp, ok := ix.positions[v]; ok {
			best = math.Min(best, gamemath.DistanceSq(p.x, p.y, vp.x, vp.y))
		}
	}
	return best
}
