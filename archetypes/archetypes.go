package archetypes

import (
	"github.com/yohamta/donburi"

	"github.com/automoto/netsync/components"
	"github.com/automoto/netsync/tags"
)

var (
	NetEntity = newArchetype(
		tags.Replicated,
		components.NetEntity,
		components.Display,
		components.Health,
	)
)

type archetype struct {
	components []donburi.IComponentType
}

func newArchetype(cs ...donburi.IComponentType) *archetype {
	return &archetype{
		components: cs,
	}
}

// Spawn creates an entity with the archetype's components plus cs.
func (a *archetype) Spawn(w donburi.World, cs ...donburi.IComponentType) *donburi.Entry {
	all := make([]donburi.IComponentType, 0, len(a.components)+len(cs))
	all = append(all, a.components...)
	all = append(all, cs...)
	return w.Entry(w.Create(all...))
}
