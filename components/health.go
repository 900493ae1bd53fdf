package components

import "github.com/yohamta/donburi"

type HealthData struct {
	Current int
	Max     int
}

// Fraction returns Current/Max clamped to [0, 1].
func (h HealthData) Fraction() float64 {
	if h.Max <= 0 {
		return 0
	}
	return max(0, min(1, float64(h.Current)/float64(h.Max)))
}

type HealthBarData struct {
	// TimeToLive is the number of frames the health bar stays visible after
	// the entity loses health.
	TimeToLive int
}

var Health = donburi.NewComponentType[HealthData]()
var HealthBar = donburi.NewComponentType[HealthBarData]()
