package components

import (
	"github.com/yohamta/donburi"

	"github.com/automoto/netsync/shared/netcomponents"
)

// DisplayData is what a renderer draws for one entity this frame. Base is
// the predicted or interpolated position; X and Y add correction easing.
type DisplayData struct {
	BaseX, BaseY float64
	X, Y         float64
	State        netcomponents.StateID
	Direction    int
}

var Display = donburi.NewComponentType[DisplayData]()
