package systems

import (
	"github.com/tanema/gween"
	"github.com/tanema/gween/ease"
	"github.com/yohamta/donburi"
	"github.com/yohamta/donburi/filter"

	"github.com/automoto/netsync/archetypes"
	"github.com/automoto/netsync/components"
	"github.com/automoto/netsync/network"
	"github.com/automoto/netsync/shared/netcomponents"
	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/tick"
	"github.com/automoto/netsync/tags"
)

// HealthBarFrames is how long a health bar stays up after damage.
const HealthBarFrames = 90

// NetSource is the client state the display world mirrors. *network.Client
// implements it.
type NetSource interface {
	Shadow() *network.Shadow
	Owns(id protocol.EntityID) bool
	PlayerName(id protocol.EntityID) (string, bool)
}

var NetEntityQuery = donburi.NewQuery(filter.Contains(tags.Replicated, components.NetEntity, components.Display))

// NetSync mirrors replicated entities into a donburi display world: remote
// entities are interpolated between snapshots, owned entities follow the
// prediction and corrections are eased out.
type NetSync struct {
	src              NetSource
	subSteps         float64
	correctionFrames float32
	entities         map[protocol.EntityID]donburi.Entity
}

// NewNetSync mirrors src. subSteps converts replicated speeds to per-tick
// displacement for extrapolation.
func NewNetSync(src NetSource, subSteps, correctionFrames int) *NetSync {
	if subSteps < 1 {
		subSteps = 1
	}
	if correctionFrames < 1 {
		correctionFrames = 1
	}
	return &NetSync{
		src:              src,
		subSteps:         float64(subSteps),
		correctionFrames: float32(correctionFrames),
		entities:         make(map[protocol.EntityID]donburi.Entity),
	}
}

// Entry returns the display entry for a replicated entity.
func (s *NetSync) Entry(w donburi.World, id protocol.EntityID) (*donburi.Entry, bool) {
	e, ok := s.entities[id]
	if !ok || !w.Valid(e) {
		return nil, false
	}
	return w.Entry(e), true
}

// Apply brings w in line with the client after one Update.
func (s *NetSync) Apply(w donburi.World, f network.Frame) {
	shadow := s.src.Shadow()
	moved := movedAt(f)

	present := make(map[protocol.EntityID]struct{}, shadow.Len())
	for _, id := range shadow.Entities() {
		present[id] = struct{}{}
		entry, created := s.ensure(w, id)

		ne := components.NetEntity.Get(entry)
		ne.Local = s.src.Owns(id)
		if name, ok := s.src.PlayerName(id); ok {
			ne.Name = name
		}

		disp := components.Display.Get(entry)
		if st, ok := network.Value[netcomponents.NetPlayerStateData](shadow, id, netcomponents.KindPlayerState); ok {
			disp.State = st.StateID
			disp.Direction = st.Direction
		}
		if h, ok := network.Value[netcomponents.NetHealthData](shadow, id, netcomponents.KindHealth); ok {
			applyHealth(entry, h)
		}

		if ne.Local {
			if a, ok := f.Predicted[id]; ok {
				disp.BaseX, disp.BaseY = a.X, a.Y
				disp.State = a.State()
				disp.Direction = a.Direction
				continue
			}
		}

		t, ok := moved[id]
		if !ok && !created {
			continue
		}
		pos, ok := network.Value[netcomponents.NetPositionData](shadow, id, netcomponents.KindPosition)
		if !ok {
			continue
		}
		if ne.Local {
			disp.BaseX, disp.BaseY = pos.X, pos.Y
			continue
		}
		vel, _ := network.Value[netcomponents.NetVelocityData](shadow, id, netcomponents.KindVelocity)
		if !entry.HasComponent(components.NetInterp) {
			donburi.Add(entry, components.NetInterp, &components.NetInterpData{})
		}
		interp := components.NetInterp.Get(entry)
		interp.Retarget(t, pos.X, pos.Y, vel.SpeedX*s.subSteps, vel.SpeedY*s.subSteps)
		disp.BaseX, disp.BaseY = interp.Position()
	}

	for id, e := range s.entities {
		if _, ok := present[id]; ok {
			continue
		}
		if w.Valid(e) {
			w.Remove(e)
		}
		delete(s.entities, id)
	}

	for _, c := range f.Corrections {
		if entry, ok := s.Entry(w, c.Entity); ok {
			s.correct(entry, c.From.X-c.To.X, c.From.Y-c.To.Y)
		}
	}
}

func (s *NetSync) ensure(w donburi.World, id protocol.EntityID) (*donburi.Entry, bool) {
	if entry, ok := s.Entry(w, id); ok {
		return entry, false
	}
	entry := archetypes.NetEntity.Spawn(w)
	components.NetEntity.SetValue(entry, components.NetEntityData{ID: id})
	s.entities[id] = entry.Entity()
	return entry, true
}

// correct starts easing a visual offset of (dx, dy) back to zero, on top of
// whatever offset is still being eased.
func (s *NetSync) correct(entry *donburi.Entry, dx, dy float64) {
	if entry.HasComponent(components.NetCorrection) {
		c := components.NetCorrection.Get(entry)
		dx += c.OffsetX
		dy += c.OffsetY
	} else {
		donburi.Add(entry, components.NetCorrection, &components.NetCorrectionData{})
	}
	components.NetCorrection.SetValue(entry, components.NetCorrectionData{
		TweenX:  gween.New(float32(dx), 0, s.correctionFrames, ease.OutQuad),
		TweenY:  gween.New(float32(dy), 0, s.correctionFrames, ease.OutQuad),
		OffsetX: dx,
		OffsetY: dy,
	})
}

func applyHealth(entry *donburi.Entry, h netcomponents.NetHealthData) {
	cur := components.Health.Get(entry)
	if h.Current < cur.Current {
		if !entry.HasComponent(components.HealthBar) {
			donburi.Add(entry, components.HealthBar, &components.HealthBarData{})
		}
		components.HealthBar.Get(entry).TimeToLive = HealthBarFrames
	}
	cur.Current = h.Current
	cur.Max = h.Max
}

// movedAt returns, per entity, the newest snapshot tick in f that changed
// its position.
func movedAt(f network.Frame) map[protocol.EntityID]tick.Tick {
	out := make(map[protocol.EntityID]tick.Tick)
	for _, res := range f.Snapshots {
		for _, sl := range res.Changed {
			if sl.Kind != netcomponents.KindPosition {
				continue
			}
			if t, ok := out[sl.Entity]; !ok || res.Tick > t {
				out[sl.Entity] = res.Tick
			}
		}
	}
	return out
}
