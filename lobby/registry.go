// Package lobby is a directory of running servers. Servers register and
// send heartbeats; clients list the servers speaking their protocol.
package lobby

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// ServerInfo describes a game server visible to clients.
type ServerInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Address    string `json:"address"`
	Players    int    `json:"players"`
	MaxPlayers int    `json:"maxPlayers"`
	Protocol   string `json:"protocol"`
	Region     string `json:"region"`
}

type serverRecord struct {
	ServerInfo
	LastSeen time.Time
}

// Registry is an in-memory store of active servers with TTL-based expiry.
type Registry struct {
	servers *xsync.MapOf[string, serverRecord]
	ttl     time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

func NewRegistry(ttl time.Duration, log zerolog.Logger) *Registry {
	return &Registry{
		servers: xsync.NewMapOf[string, serverRecord](),
		ttl:     ttl,
		now:     time.Now,
		log:     log.With().Str("component", "lobby").Logger(),
	}
}

// Register stores info under a fresh id and returns the id.
func (r *Registry) Register(info ServerInfo) string {
	info.ID = uuid.NewString()
	r.servers.Store(info.ID, serverRecord{ServerInfo: info, LastSeen: r.now()})
	return info.ID
}

// Heartbeat refreshes id. It reports false for unknown or expired ids, which
// tells the server to register again.
func (r *Registry) Heartbeat(id string, players int) bool {
	found := false
	r.servers.Compute(id, func(rec serverRecord, loaded bool) (serverRecord, bool) {
		if !loaded {
			return rec, true
		}
		found = true
		rec.LastSeen = r.now()
		rec.Players = players
		return rec, false
	})
	return found
}

// Remove deletes id and reports whether it was registered.
func (r *Registry) Remove(id string) bool {
	_, ok := r.servers.LoadAndDelete(id)
	return ok
}

// List returns the live servers speaking protocol, or every live server when
// protocol is empty, sorted by name.
func (r *Registry) List(protocol string) []ServerInfo {
	result := make([]ServerInfo, 0, r.servers.Size())
	r.servers.Range(func(_ string, rec serverRecord) bool {
		if protocol == "" || rec.Protocol == protocol {
			result = append(result, rec.ServerInfo)
		}
		return true
	})
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Expire removes servers not seen within the TTL and returns how many.
func (r *Registry) Expire() int {
	now := r.now()
	n := 0
	r.servers.Range(func(id string, rec serverRecord) bool {
		if now.Sub(rec.LastSeen) >= r.ttl {
			r.log.Info().
				Str("id", id).
				Str("name", rec.Name).
				Dur("last_seen", now.Sub(rec.LastSeen).Round(time.Second)).
				Msg("expired server")
			r.servers.Delete(id)
			n++
		}
		return true
	})
	return n
}

// Run expires stale servers every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Expire()
		}
	}
}
