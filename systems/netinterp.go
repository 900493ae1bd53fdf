package systems

import (
	"github.com/yohamta/donburi"

	"github.com/automoto/netsync/components"
)

// NewNetInterpSystem advances remote entity interpolation by one display
// frame at frameRate frames per second.
func NewNetInterpSystem(tickRate func() int, frameRate int) func(donburi.World) {
	return func(w donburi.World) {
		rate := tickRate()
		if rate <= 0 || frameRate <= 0 {
			return
		}
		step := float64(rate) / float64(frameRate)
		components.NetInterp.Each(w, func(entry *donburi.Entry) {
			interp := components.NetInterp.Get(entry)
			if !interp.Initialized {
				return
			}
			interp.T += step
			if entry.HasComponent(components.Display) {
				disp := components.Display.Get(entry)
				disp.BaseX, disp.BaseY = interp.Position()
			}
		})
	}
}
