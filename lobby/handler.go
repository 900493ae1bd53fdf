package lobby

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
)

type registerRequest struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	Players    int    `json:"players"`
	MaxPlayers int    `json:"maxPlayers"`
	Protocol   string `json:"protocol"`
	Region     string `json:"region"`
}

type registerResponse struct {
	ID string `json:"id"`
}

type heartbeatRequest struct {
	ID      string `json:"id"`
	Players int    `json:"players"`
}

const maxRequestBody = 1 << 16 // 64 KB

// NewHandler serves the lobby API:
//
//	GET  /servers[?protocol=id]
//	POST /servers/register
//	POST /servers/heartbeat
//	POST /servers/unregister
//	GET  /health
func NewHandler(reg *Registry, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /servers", listServers(reg, log))
	mux.HandleFunc("POST /servers/register", registerServer(reg, log))
	mux.HandleFunc("POST /servers/heartbeat", heartbeat(reg))
	mux.HandleFunc("POST /servers/unregister", unregister(reg, log))
	mux.HandleFunc("GET /health", health)
	return mux
}

func listServers(reg *Registry, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		servers := reg.List(r.URL.Query().Get("protocol"))
		if err := json.NewEncoder(w).Encode(servers); err != nil {
			log.Warn().Err(err).Msg("list encode error")
		}
	}
}

func registerServer(reg *Registry, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
			return
		}
		if req.Name == "" || req.Address == "" {
			http.Error(w, `{"error":"name and address required"}`, http.StatusBadRequest)
			return
		}

		id := reg.Register(ServerInfo{
			Name:       req.Name,
			Address:    req.Address,
			Players:    req.Players,
			MaxPlayers: req.MaxPlayers,
			Protocol:   req.Protocol,
			Region:     req.Region,
		})

		log.Info().
			Str("id", id).
			Str("name", req.Name).
			Str("address", req.Address).
			Str("protocol", req.Protocol).
			Msg("registered server")

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(registerResponse{ID: id})
	}
}

func heartbeat(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		var req heartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
			return
		}

		if !reg.Heartbeat(req.ID, req.Players) {
			http.Error(w, `{"error":"unknown server"}`, http.StatusNotFound)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

func unregister(reg *Registry, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		var req heartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
			return
		}
		if !reg.Remove(req.ID) {
			http.Error(w, `{"error":"unknown server"}`, http.StatusNotFound)
			return
		}
		log.Info().Str("id", req.ID).Msg("unregistered server")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
