package components

import (
	"github.com/tanema/gween"
	"github.com/yohamta/donburi"
)

// NetCorrectionData eases away the visual jump left by a prediction
// correction. The offsets start at the old predicted position minus the
// corrected one and tween to zero.
type NetCorrectionData struct {
	TweenX, TweenY   *gween.Tween
	OffsetX, OffsetY float64
}

var NetCorrection = donburi.NewComponentType[NetCorrectionData]()
