package systems

import (
	"github.com/yohamta/donburi"

	"github.com/automoto/netsync/components"
)

// UpdateNetCorrections advances correction easing by one frame and writes
// the drawn position of every networked entity.
func UpdateNetCorrections(w donburi.World) {
	var done []*donburi.Entry
	NetEntityQuery.Each(w, func(entry *donburi.Entry) {
		disp := components.Display.Get(entry)
		disp.X, disp.Y = disp.BaseX, disp.BaseY
		if !entry.HasComponent(components.NetCorrection) {
			return
		}

		c := components.NetCorrection.Get(entry)
		x, finishedX := c.TweenX.Update(1)
		y, finishedY := c.TweenY.Update(1)
		c.OffsetX, c.OffsetY = float64(x), float64(y)
		if finishedX && finishedY {
			c.OffsetX, c.OffsetY = 0, 0
			done = append(done, entry)
		}
		disp.X += c.OffsetX
		disp.Y += c.OffsetY
	})
	for _, entry := range done {
		donburi.Remove[components.NetCorrectionData](entry, components.NetCorrection)
	}
}
