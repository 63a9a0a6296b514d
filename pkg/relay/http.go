package relay

import (
	"encoding/json"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ReadOptions tunes the inbound side of a connection.
type ReadOptions struct {
	// ReadLimit caps the size of one inbound frame in bytes.
	ReadLimit int64
	// PongWait is how long the connection may stay silent, pongs included.
	PongWait time.Duration
}

func DefaultReadOptions() ReadOptions {
	return ReadOptions{
		ReadLimit: 64 * 1024,
		PongWait:  60 * time.Second,
	}
}

// Serve runs the read loop of one upgraded connection until it ends, then
// disconnects the client.
func (r *Registry) Serve(clientID string, ws *websocket.Conn, opts ReadOptions) {
	conn := NewConn(clientID, ws, r.cfg.Conn)
	client := r.Connect(clientID, conn)
	defer r.Disconnect(client)

	wsLog := client.log.With().Str("remote", ws.RemoteAddr().String()).Logger()

	if opts.ReadLimit > 0 {
		ws.SetReadLimit(opts.ReadLimit)
	}
	if opts.PongWait > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(opts.PongWait))
		})
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				wsLog.Warn().Err(err).Msg("ws read loop end")
			} else {
				wsLog.Debug().Err(err).Msg("ws read loop end")
			}
			return
		}
		if opts.PongWait > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
		}
		client.HandleFrame(data)
	}
}

// NewWSHTTPHandler upgrades GET /ws/chat/{client_id} and serves the connection.
func NewWSHTTPHandler(reg *Registry, upgrader websocket.Upgrader, opts ReadOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if reg == nil {
			http.Error(w, "relay not initialized", http.StatusServiceUnavailable)
			return
		}
		clientID := strings.TrimSpace(req.PathValue("client_id"))
		if clientID == "" {
			http.Error(w, "missing client id", http.StatusBadRequest)
			return
		}
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Warn().Err(err).Str("component", "relay").Str("client_id", clientID).Msg("websocket upgrade failed")
			return
		}
		reg.Serve(clientID, ws, opts)
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Sessions    int    `json:"sessions"`
}

func NewHealthHTTPHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{Status: "ok"}
		if reg != nil {
			resp.Connections = reg.Len()
			resp.Sessions = reg.SessionCount()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// NewMux mounts the websocket endpoint, the health check and, when ui is not
// nil, the static chat page.
func NewMux(reg *Registry, upgrader websocket.Upgrader, opts ReadOptions, ui fs.FS) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /ws/chat/{client_id}", NewWSHTTPHandler(reg, upgrader, opts))
	mux.Handle("GET /healthz", NewHealthHTTPHandler(reg))
	if ui != nil {
		mux.Handle("GET /", http.FileServer(http.FS(ui)))
	}
	return mux
}
