package changes

import (
	"testing"

	"github.com/automoto/netsync/shared/netcomponents"
	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/tick"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func versions(m map[protocol.Slot]protocol.Version) VersionLookup {
	return func(s protocol.Slot) protocol.Version { return m[s] }
}

func nothingSeen(protocol.Slot) protocol.Version { return 0 }

func TestEntitySevenScenario(t *testing.T) {
	tr := NewTracker()
	pos := protocol.Slot{Entity: 7, Kind: netcomponents.KindPosition}

	for i := tick.Tick(96); i <= 100; i++ {
		tr.SetTick(i)
		tr.MarkDirty(7, netcomponents.KindPosition)
	}
	require.Equal(t, protocol.Version(5), tr.Version(pos))

	acked := map[protocol.Slot]protocol.Version{pos: 3}
	got := tr.ChangesSince(versions(acked))
	assert.Equal(t, []Change{{Slot: pos, Version: 5, Tick: 100}}, got)

	acked[pos] = 5
	assert.Empty(t, tr.ChangesSince(versions(acked)))
}

func TestChangesSinceOrdering(t *testing.T) {
	tr := NewTracker()
	tr.SetTick(1)
	tr.MarkDirty(9, netcomponents.KindHealth)
	tr.MarkDirty(2, netcomponents.KindVelocity)
	tr.MarkDirty(9, netcomponents.KindPosition)
	tr.MarkDirty(2, netcomponents.KindPosition)
	tr.MarkDirty(5, netcomponents.KindPlayerState)

	var slots []protocol.Slot
	for _, c := range tr.ChangesSince(nothingSeen) {
		slots = append(slots, c.Slot)
	}
	assert.Equal(t, []protocol.Slot{
		{Entity: 2, Kind: netcomponents.KindPosition},
		{Entity: 2, Kind: netcomponents.KindVelocity},
		{Entity: 5, Kind: netcomponents.KindPlayerState},
		{Entity: 9, Kind: netcomponents.KindPosition},
		{Entity: 9, Kind: netcomponents.KindHealth},
	}, slots)
}

func TestVersionsOnlyIncrease(t *testing.T) {
	tr := NewTracker()
	s := protocol.Slot{Entity: 1, Kind: netcomponents.KindHealth}

	var last protocol.Version
	for i := 0; i < 10; i++ {
		v := tr.MarkDirty(s.Entity, s.Kind)
		assert.Greater(t, v, last)
		last = v
	}

	v := tr.Remove(s.Entity, s.Kind)
	assert.Greater(t, v, last)
	assert.Zero(t, tr.Remove(s.Entity, s.Kind), "removing twice is a no-op")

	v2 := tr.MarkDirty(s.Entity, s.Kind)
	assert.Greater(t, v2, v, "re-adding after removal keeps counting up")
}

func TestRemoveProducesTombstone(t *testing.T) {
	tr := NewTracker()
	tr.SetTick(4)
	tr.MarkDirty(3, netcomponents.KindHealth)
	tr.SetTick(6)
	tr.Remove(3, netcomponents.KindHealth)

	got := tr.ChangesSince(nothingSeen)
	require.Len(t, got, 1)
	assert.True(t, got[0].Tombstone)
	assert.Equal(t, protocol.Version(2), got[0].Version)
	assert.Equal(t, tick.Tick(6), got[0].Tick)

	assert.Zero(t, tr.Remove(3, netcomponents.KindPosition), "unknown slot")
}

func TestDestroy(t *testing.T) {
	tr := NewTracker()
	tr.SetTick(1)
	tr.MarkDirty(4, netcomponents.KindPosition)
	tr.MarkDirty(4, netcomponents.KindVelocity)
	tr.SetTick(2)
	tr.Destroy(4)
	tr.Destroy(4)

	assert.True(t, tr.Destroyed(4))
	assert.Zero(t, tr.MarkDirty(4, netcomponents.KindPosition), "destroyed entities stay dead")

	got := tr.ChangesSince(nothingSeen)
	require.Len(t, got, 3)
	assert.Equal(t, protocol.KindEntity, got[0].Kind)
	for _, c := range got {
		assert.True(t, c.Tombstone)
		assert.Equal(t, tick.Tick(2), c.Tick)
	}

	at, ok := tr.ChangedAt(4)
	assert.True(t, ok)
	assert.Equal(t, tick.Tick(2), at)

	tr.Forget(4)
	assert.False(t, tr.Destroyed(4))
	assert.Empty(t, tr.ChangesSince(nothingSeen))
	assert.Zero(t, tr.Len())
	_, ok = tr.ChangedAt(4)
	assert.False(t, ok)
}

func TestEntityChanges(t *testing.T) {
	tr := NewTracker()
	tr.MarkDirty(1, netcomponents.KindPosition)
	tr.MarkDirty(1, netcomponents.KindVelocity)
	tr.MarkDirty(2, netcomponents.KindPosition)

	seen := map[protocol.Slot]protocol.Version{{Entity: 1, Kind: netcomponents.KindPosition}: 1}
	got := tr.EntityChanges(1, versions(seen), nil)
	require.Len(t, got, 1)
	assert.Equal(t, netcomponents.KindVelocity, got[0].Kind)

	assert.Empty(t, tr.EntityChanges(99, nothingSeen, nil))
	assert.True(t, tr.ChangedSince(protocol.Slot{Entity: 2, Kind: netcomponents.KindPosition}, 0))
	assert.Equal(t, []protocol.EntityID{1, 2}, tr.Entities())
}
