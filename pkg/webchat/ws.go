package webchat

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/modechat/pkg/session"
)

type wsHello struct {
	Type        string `json:"type"`
	Session     string `json:"session"`
	CurrentMode string `json:"current_mode"`
	ServerTime  int64  `json:"server_time"`
}

type wsSnapshot struct {
	Type   string            `json:"type"`
	ModeID string            `json:"mode_id"`
	State  session.ModeState `json:"state"`
}

type wsPong struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"server_time"`
}

// serveWS attaches a client to the event stream. It first receives a hello
// and a snapshot of each mode it follows, then live events.
func (a *API) serveWS(w http.ResponseWriter, r *http.Request) {
	modeFilter := strings.TrimSpace(r.URL.Query().Get("mode"))
	if modeFilter != "" {
		if _, err := a.router.Registry().Resolve(modeFilter); err != nil {
			writeError(w, err)
			return
		}
	}
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "webchat").Msg("ws upgrade failed")
		return
	}
	wsLog := log.With().
		Str("component", "webchat").
		Str("remote", conn.RemoteAddr().String()).
		Str("mode_id", modeFilter).
		Logger()

	a.pool.Add(conn, modeFilter)
	wsLog.Info().Msg("ws connected")

	if b, err := json.Marshal(wsHello{
		Type:        "ws.hello",
		Session:     a.router.ID(),
		CurrentMode: a.router.CurrentMode(),
		ServerTime:  time.Now().UnixMilli(),
	}); err == nil {
		a.pool.SendToOne(conn, b)
	}
	for _, id := range a.router.Registry().IDs() {
		if modeFilter != "" && id != modeFilter {
			continue
		}
		st, err := a.router.Snapshot(id)
		if err != nil {
			continue
		}
		if b, err := json.Marshal(wsSnapshot{Type: "ws.snapshot", ModeID: id, State: st}); err == nil {
			a.pool.SendToOne(conn, b)
		}
	}

	go func() {
		defer a.pool.Remove(conn)
		defer wsLog.Info().Msg("ws disconnected")
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if msgType != websocket.TextMessage || !isPing(data) {
				continue
			}
			if b, err := json.Marshal(wsPong{Type: "ws.pong", ServerTime: time.Now().UnixMilli()}); err == nil {
				a.pool.SendToOne(conn, b)
			}
		}
	}()
}

func isPing(data []byte) bool {
	text := strings.TrimSpace(strings.ToLower(string(data)))
	if text == "ping" {
		return true
	}
	var v struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}
	return strings.EqualFold(v.Type, "ws.ping")
}
