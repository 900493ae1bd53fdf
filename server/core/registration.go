package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// RegistrationConfig describes how the server announces itself to a lobby.
type RegistrationConfig struct {
	MasterURL  string
	Name       string
	Address    string
	Region     string
	MaxPlayers int
	ProtocolID uint64
	Interval   time.Duration
}

// Registration registers with a lobby server and keeps the entry alive with
// heartbeats carrying the player count.
type Registration struct {
	cfg     RegistrationConfig
	players func() int
	client  *http.Client
	log     zerolog.Logger
	id      string
}

type regRequest struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	Players    int    `json:"players"`
	MaxPlayers int    `json:"maxPlayers"`
	Protocol   string `json:"protocol"`
	Region     string `json:"region"`
}

type regResponse struct {
	ID string `json:"id"`
}

type heartbeatRequest struct {
	ID      string `json:"id"`
	Players int    `json:"players"`
}

var errRegistrationLost = errors.New("registration lost")

func NewRegistration(cfg RegistrationConfig, players func() int, log zerolog.Logger) *Registration {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Registration{
		cfg:     cfg,
		players: players,
		client:  &http.Client{Timeout: 5 * time.Second},
		log:     log.With().Str("component", "registration").Logger(),
	}
}

// ID returns the id the lobby assigned, empty until registered.
func (r *Registration) ID() string {
	return r.id
}

// Run registers and heartbeats until ctx is cancelled. Failures are logged
// and retried on the next interval.
func (r *Registration) Run(ctx context.Context) {
	if err := r.register(ctx); err != nil {
		r.log.Warn().Err(err).Msg("initial registration failed")
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.unregister()
			return
		case <-ticker.C:
			if err := r.beat(ctx); err != nil {
				r.log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// beat sends one heartbeat, registering first when needed.
func (r *Registration) beat(ctx context.Context) error {
	if r.id == "" {
		return r.register(ctx)
	}
	err := r.sendHeartbeat(ctx)
	if eris.Is(err, errRegistrationLost) {
		r.log.Info().Msg("lobby lost our registration, re-registering")
		r.id = ""
		return r.register(ctx)
	}
	return err
}

func (r *Registration) register(ctx context.Context) error {
	resp, err := r.post(ctx, "/servers/register", regRequest{
		Name:       r.cfg.Name,
		Address:    r.cfg.Address,
		Players:    r.players(),
		MaxPlayers: r.cfg.MaxPlayers,
		Protocol:   strconv.FormatUint(r.cfg.ProtocolID, 16),
		Region:     r.cfg.Region,
	})
	if err != nil {
		return eris.Wrap(err, "register")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return eris.Errorf("register: unexpected status %d", resp.StatusCode)
	}
	var result regResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return eris.Wrap(err, "decode registration")
	}
	r.id = result.ID
	r.log.Info().Str("id", r.id).Msg("registered with lobby")
	return nil
}

func (r *Registration) sendHeartbeat(ctx context.Context) error {
	resp, err := r.post(ctx, "/servers/heartbeat", heartbeatRequest{ID: r.id, Players: r.players()})
	if err != nil {
		return eris.Wrap(err, "heartbeat")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return errRegistrationLost
	default:
		return eris.Errorf("heartbeat: unexpected status %d", resp.StatusCode)
	}
}

// unregister removes the entry so clients stop seeing the server before the
// TTL runs out.
func (r *Registration) unregister() {
	if r.id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := r.post(ctx, "/servers/unregister", heartbeatRequest{ID: r.id})
	if err != nil {
		r.log.Warn().Err(err).Msg("unregister failed")
		return
	}
	resp.Body.Close()
	r.log.Info().Str("id", r.id).Msg("unregistered from lobby")
	r.id = ""
}

func (r *Registration) post(ctx context.Context, path string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "marshal")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.MasterURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, eris.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	return r.client.Do(req)
}
