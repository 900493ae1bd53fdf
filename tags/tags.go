package tags

import "github.com/yohamta/donburi"

var (
	// Replicated marks display entities mirrored from the server.
	Replicated = donburi.NewTag().SetName("Replicated")
)
