package components

import (
	"github.com/yohamta/donburi"

	"github.com/automoto/netsync/shared/protocol"
)

// NetEntityData links a display entity to its replicated entity.
type NetEntityData struct {
	ID protocol.EntityID
	// Local entities are predicted instead of interpolated.
	Local bool
	Name  string
}

var NetEntity = donburi.NewComponentType[NetEntityData]()
