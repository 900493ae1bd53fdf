package core

import (
	"bytes"
	"math/rand"
	"slices"

	"github.com/yohamta/donburi"
	"github.com/yohamta/donburi/filter"

	"github.com/automoto/netsync/server/changes"
	"github.com/automoto/netsync/server/interest"
	"github.com/automoto/netsync/shared/netcomponents"
	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/sim"
	"github.com/automoto/netsync/shared/tick"
)

// NetID links a donburi entry to its replicated entity id.
var NetID = donburi.NewComponentType[protocol.EntityID]()

// ControllerData is server-only state of a simulated avatar. It is never
// replicated.
type ControllerData struct {
	Owner     protocol.ConnID
	NPC       bool
	Command   sim.Command
	LastInput tick.Tick
	// NPCs change their command at Retarget and despawn at Expires.
	Retarget tick.Tick
	Expires  tick.Tick
}

var Controller = donburi.NewComponentType[ControllerData]()

var avatarQuery = donburi.NewQuery(filter.Contains(NetID, Controller, netcomponents.NetPosition))

type WorldConfig struct {
	Width, Height float64
	CellSize      int
	NPCs          int
	NPCLifetime   uint64
	// NPCs touching a player within ContactRadius drain one health per tick.
	ContactRadius float64
	MaxHealth     int
	// RegenEvery is how often, in ticks, players regain one health.
	RegenEvery uint64
	// Retention is how long destroyed entities stay in the change tracker.
	Retention uint64
	Seed      int64
}

func DefaultWorldConfig() WorldConfig {
	return WorldConfig{
		Width:         4096,
		Height:        1024,
		CellSize:      64,
		NPCs:          8,
		NPCLifetime:   600,
		ContactRadius: 24,
		MaxHealth:     100,
		RegenEvery:    15,
		Retention:     2 * tick.AckBits,
		Seed:          1,
	}
}

// World is the authoritative game state. Every write to a replicated
// component goes through it so the change tracker, the spatial index and
// the encoded payload cache stay in step.
type World struct {
	cfg     WorldConfig
	params  sim.Params
	ecs     donburi.World
	reg     *protocol.Registry
	tracker *changes.Tracker
	index   *interest.Index

	byID      map[protocol.EntityID]donburi.Entity
	payloads  map[protocol.Slot][]byte
	destroyed map[protocol.EntityID]tick.Tick
	nextID    protocol.EntityID
	rng       *rand.Rand
	now       tick.Tick
}

func NewWorld(cfg WorldConfig, params sim.Params, reg *protocol.Registry, tracker *changes.Tracker, index *interest.Index) *World {
	return &World{
		cfg:       cfg,
		params:    params,
		ecs:       donburi.NewWorld(),
		reg:       reg,
		tracker:   tracker,
		index:     index,
		byID:      make(map[protocol.EntityID]donburi.Entity),
		payloads:  make(map[protocol.Slot][]byte),
		destroyed: make(map[protocol.EntityID]tick.Tick),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}
}

// ECS returns the underlying donburi world.
func (w *World) ECS() donburi.World {
	return w.ecs
}

// SetTick stamps subsequent changes with now.
func (w *World) SetTick(now tick.Tick) {
	w.now = now
	w.tracker.SetTick(now)
}

// Payload returns the encoded value of a live slot.
func (w *World) Payload(s protocol.Slot) ([]byte, bool) {
	b, ok := w.payloads[s]
	return b, ok
}

func (w *World) Len() int {
	return len(w.byID)
}

// Entities returns every live entity id, sorted.
func (w *World) Entities() []protocol.EntityID {
	ids := make([]protocol.EntityID, 0, len(w.byID))
	for id := range w.byID {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (w *World) entry(id protocol.EntityID) (*donburi.Entry, bool) {
	e, ok := w.byID[id]
	if !ok || !w.ecs.Valid(e) {
		return nil, false
	}
	return w.ecs.Entry(e), true
}

// SpawnPoint picks a grounded position away from the world edges.
func (w *World) SpawnPoint() sim.Avatar {
	margin := 64.0
	x := margin + w.rng.Float64()*(w.params.MaxX-w.params.MinX-2*margin)
	return sim.Spawn(w.params, w.params.MinX+x)
}

// Spawn creates an avatar entity and marks all its components dirty.
func (w *World) Spawn(a sim.Avatar, ctl ControllerData) protocol.EntityID {
	w.nextID++
	id := w.nextID

	e := w.ecs.Create(NetID, Controller,
		netcomponents.NetPosition, netcomponents.NetVelocity,
		netcomponents.NetPlayerState, netcomponents.NetHealth)
	entry := w.ecs.Entry(e)
	NetID.SetValue(entry, id)
	Controller.SetValue(entry, ctl)
	w.byID[id] = e

	w.writeAvatar(entry, id, a, ctl.LastInput)
	w.write(entry, id, netcomponents.KindHealth, netcomponents.NetHealthData{Current: w.cfg.MaxHealth, Max: w.cfg.MaxHealth})
	return id
}

// Destroy removes id from the world. Its tracker entry is kept for the
// retention window so late acks still resolve.
func (w *World) Destroy(id protocol.EntityID) bool {
	e, ok := w.byID[id]
	if !ok {
		return false
	}
	delete(w.byID, id)
	if w.ecs.Valid(e) {
		w.ecs.Remove(e)
	}
	for _, k := range w.reg.Kinds() {
		delete(w.payloads, protocol.Slot{Entity: id, Kind: k})
	}
	w.tracker.Destroy(id)
	w.index.Remove(id)
	w.destroyed[id] = w.now
	return true
}

// Avatar returns the simulated state of id.
func (w *World) Avatar(id protocol.EntityID) (sim.Avatar, bool) {
	entry, ok := w.entry(id)
	if !ok {
		return sim.Avatar{}, false
	}
	return sim.FromComponents(
		netcomponents.NetPosition.GetValue(entry),
		netcomponents.NetVelocity.GetValue(entry),
		netcomponents.NetPlayerState.GetValue(entry),
	), true
}

func (w *World) Health(id protocol.EntityID) (netcomponents.NetHealthData, bool) {
	entry, ok := w.entry(id)
	if !ok {
		return netcomponents.NetHealthData{}, false
	}
	return netcomponents.NetHealth.GetValue(entry), true
}

// SetHealth overwrites the health of id.
func (w *World) SetHealth(id protocol.EntityID, h netcomponents.NetHealthData) {
	if entry, ok := w.entry(id); ok {
		w.write(entry, id, netcomponents.KindHealth, h)
	}
}

// StepAvatar advances id by one tick under cmd, the input for tick t.
func (w *World) StepAvatar(id protocol.EntityID, t tick.Tick, cmd sim.Command) bool {
	entry, ok := w.entry(id)
	if !ok {
		return false
	}
	a, _ := w.Avatar(id)
	ctl := Controller.Get(entry)
	ctl.Command = cmd

	next := sim.Step(w.params, a, t, cmd)
	lastInput := ctl.LastInput
	if next != a {
		// LastInput rides along with real changes only.
		lastInput = t
		ctl.LastInput = t
	}
	w.writeAvatar(entry, id, next, lastInput)
	return true
}

// Teleport replaces the avatar state of id outright.
func (w *World) Teleport(id protocol.EntityID, a sim.Avatar) {
	if entry, ok := w.entry(id); ok {
		w.writeAvatar(entry, id, a.Quantized(), Controller.Get(entry).LastInput)
	}
}

func (w *World) writeAvatar(entry *donburi.Entry, id protocol.EntityID, a sim.Avatar, lastInput tick.Tick) {
	pos, vel, st := a.Components(lastInput)
	w.write(entry, id, netcomponents.KindPosition, pos)
	w.write(entry, id, netcomponents.KindVelocity, vel)
	w.write(entry, id, netcomponents.KindPlayerState, st)
	w.index.Update(id, pos.X, pos.Y)
}

// write stores v on entry and marks the slot dirty if its encoding
// changed.
func (w *World) write(entry *donburi.Entry, id protocol.EntityID, kind protocol.Kind, v any) {
	switch v := v.(type) {
	case netcomponents.NetPositionData:
		netcomponents.NetPosition.SetValue(entry, v)
	case netcomponents.NetVelocityData:
		netcomponents.NetVelocity.SetValue(entry, v)
	case netcomponents.NetPlayerStateData:
		netcomponents.NetPlayerState.SetValue(entry, v)
	case netcomponents.NetHealthData:
		netcomponents.NetHealth.SetValue(entry, v)
	}

	b, err := w.reg.Encode(kind, v)
	if err != nil {
		// Only reachable with a kind/value mismatch, which is a programming
		// error.
		panic(err)
	}
	slot := protocol.Slot{Entity: id, Kind: kind}
	if old, ok := w.payloads[slot]; ok && bytes.Equal(old, b) {
		return
	}
	w.payloads[slot] = b
	w.tracker.MarkDirty(id, kind)
}

// Update runs one tick of non-player simulation: NPC movement and
// lifetime, contact damage, health regeneration and tracker cleanup.
// Player avatars must already have been stepped for now.
func (w *World) Update(now tick.Tick) {
	var npcs, players []protocol.EntityID
	avatarQuery.Each(w.ecs, func(entry *donburi.Entry) {
		id := NetID.GetValue(entry)
		if Controller.Get(entry).NPC {
			npcs = append(npcs, id)
		} else {
			players = append(players, id)
		}
	})
	slices.Sort(npcs)
	slices.Sort(players)

	alive := 0
	for _, id := range npcs {
		if w.stepNPC(id, now) {
			alive++
		}
	}
	for ; alive < w.cfg.NPCs; alive++ {
		w.SpawnNPC(now)
	}

	for _, id := range players {
		w.updatePlayer(id, now)
	}

	for id, at := range w.destroyed {
		if now.Since(at) > w.cfg.Retention {
			w.tracker.Forget(id)
			delete(w.destroyed, id)
		}
	}
}

// SpawnNPC adds one wandering NPC.
func (w *World) SpawnNPC(now tick.Tick) protocol.EntityID {
	return w.Spawn(w.SpawnPoint(), ControllerData{
		NPC:      true,
		Command:  w.randomCommand(),
		Retarget: now + tick.Tick(30+w.rng.Intn(60)),
		Expires:  now + tick.Tick(w.cfg.NPCLifetime),
	})
}

func (w *World) randomCommand() sim.Command {
	return sim.Command{Direction: int8(w.rng.Intn(3) - 1), Jump: w.rng.Intn(4) == 0}
}

func (w *World) stepNPC(id protocol.EntityID, now tick.Tick) bool {
	entry, ok := w.entry(id)
	if !ok {
		return false
	}
	ctl := Controller.Get(entry)
	if w.cfg.NPCLifetime > 0 && now >= ctl.Expires {
		w.Destroy(id)
		return false
	}
	if now >= ctl.Retarget {
		ctl.Command = w.randomCommand()
		ctl.Retarget = now + tick.Tick(30+w.rng.Intn(60))
	}
	w.StepAvatar(id, now, ctl.Command)
	return true
}

func (w *World) updatePlayer(id protocol.EntityID, now tick.Tick) {
	h, ok := w.Health(id)
	if !ok {
		return
	}
	a, _ := w.Avatar(id)

	touching := false
	if w.cfg.ContactRadius > 0 {
		for _, other := range w.index.Within(a.X, a.Y, w.cfg.ContactRadius, nil) {
			if entry, ok := w.entry(other); ok && Controller.Get(entry).NPC {
				touching = true
				break
			}
		}
	}

	switch {
	case touching:
		h.Current--
	case w.cfg.RegenEvery > 0 && uint64(now)%w.cfg.RegenEvery == 0 && h.Current < h.Max:
		h.Current++
	}
	if h.Current <= 0 {
		h.Current = h.Max
		w.Teleport(id, w.SpawnPoint())
	}
	w.SetHealth(id, h)
}
