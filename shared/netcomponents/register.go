package netcomponents

import "github.com/automoto/netsync/shared/protocol"

// Component kinds on the wire. Kind 0 is reserved for entity records.
const (
	KindPosition    protocol.Kind = 10
	KindVelocity    protocol.Kind = 11
	KindPlayerState protocol.Kind = 12
	KindHealth      protocol.Kind = 13
)

// Prediction tolerances. Differences at or below these are not divergence.
const (
	PositionTolerance = PositionStep
	VelocityTolerance = VelocityStep
)

// RegisterComponents registers all network components with r.
// This must be called by both server and client before any network operations.
func RegisterComponents(r *protocol.Registry) error {
	if err := protocol.Register(r, KindPosition, "position", positionCodec); err != nil {
		return err
	}
	if err := protocol.Register(r, KindVelocity, "velocity", velocityCodec); err != nil {
		return err
	}
	if err := protocol.Register(r, KindPlayerState, "player_state", playerStateCodec); err != nil {
		return err
	}
	if err := protocol.Register(r, KindHealth, "health", healthCodec); err != nil {
		return err
	}

	// A position without the matching velocity extrapolates wrongly on the
	// client, so the pair always travels together.
	return r.RequireTogether(KindPosition, KindVelocity)
}

// NewRegistry returns a sealed registry holding every network component.
func NewRegistry() (*protocol.Registry, error) {
	r := protocol.NewRegistry()
	if err := RegisterComponents(r); err != nil {
		return nil, err
	}
	r.Seal()
	return r, nil
}
