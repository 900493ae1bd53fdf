package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

var ErrNoServers = errors.New("no compatible servers")

// List fetches the servers speaking protocol from the lobby at baseURL.
func List(ctx context.Context, baseURL, protocol string) ([]ServerInfo, error) {
	u := strings.TrimRight(baseURL, "/") + "/servers"
	if protocol != "" {
		u += "?protocol=" + url.QueryEscape(protocol)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrap(err, "build request")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "list servers from %s", baseURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("list servers: unexpected status %d", resp.StatusCode)
	}
	var servers []ServerInfo
	if err := json.NewDecoder(resp.Body).Decode(&servers); err != nil {
		return nil, eris.Wrap(err, "decode server list")
	}
	return servers, nil
}

// Pick returns the least loaded server with a free slot.
func Pick(servers []ServerInfo) (ServerInfo, error) {
	var best ServerInfo
	found := false
	for _, s := range servers {
		if s.MaxPlayers > 0 && s.Players >= s.MaxPlayers {
			continue
		}
		if !found || s.Players < best.Players {
			best, found = s, true
		}
	}
	if !found {
		return ServerInfo{}, ErrNoServers
	}
	return best, nil
}
