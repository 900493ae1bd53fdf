package systems

import (
	"github.com/yohamta/donburi"

	"github.com/automoto/netsync/components"
)

// UpdateHealthBars counts down visible health bars and hides expired ones.
func UpdateHealthBars(w donburi.World) {
	var expired []*donburi.Entry
	components.HealthBar.Each(w, func(entry *donburi.Entry) {
		bar := components.HealthBar.Get(entry)
		bar.TimeToLive--
		if bar.TimeToLive <= 0 {
			expired = append(expired, entry)
		}
	})
	for _, entry := range expired {
		donburi.Remove[components.HealthBarData](entry, components.HealthBar)
	}
}
