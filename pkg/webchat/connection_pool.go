package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/modechat/pkg/events"
)

const writeTimeout = 10 * time.Second

// ConnectionPool holds the attached websocket clients. Every write goes
// through the pool lock, which keeps gorilla's single-writer rule.
type ConnectionPool struct {
	name  string
	mu    sync.Mutex
	conns map[*websocket.Conn]string
}

func NewConnectionPool(name string) *ConnectionPool {
	return &ConnectionPool{
		name:  name,
		conns: map[*websocket.Conn]string{},
	}
}

// Add attaches conn. A non-empty modeID limits it to that mode's events.
func (cp *ConnectionPool) Add(conn *websocket.Conn, modeID string) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	cp.conns[conn] = modeID
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Remove(conn *websocket.Conn) {
	if cp == nil || conn == nil {
		_ = closeConn(conn)
		return
	}
	cp.mu.Lock()
	delete(cp.conns, conn)
	cp.mu.Unlock()
	_ = closeConn(conn)
}

// BroadcastEvent sends ev to every connection interested in its mode.
func (cp *ConnectionPool) BroadcastEvent(ev events.Event) {
	if cp == nil {
		return
	}
	data, err := ev.Marshal()
	if err != nil {
		log.Warn().Err(err).Str("component", "webchat").Msg("ws event marshal failed")
		return
	}
	cp.broadcast(ev.ModeID, data)
}

func (cp *ConnectionPool) broadcast(modeID string, data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn, filter := range cp.conns {
		if filter != "" && filter != modeID {
			continue
		}
		if err := writeText(conn, data); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("pool", cp.name).Msg("ws broadcast failed, dropping connection")
			delete(cp.conns, conn)
			_ = closeConn(conn)
		}
	}
}

func (cp *ConnectionPool) SendToOne(conn *websocket.Conn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[conn]; !ok {
		return
	}
	if err := writeText(conn, data); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Str("pool", cp.name).Msg("ws send failed, dropping connection")
		delete(cp.conns, conn)
		_ = closeConn(conn)
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		_ = closeConn(conn)
		delete(cp.conns, conn)
	}
	cp.mu.Unlock()
}

func writeText(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func closeConn(conn *websocket.Conn) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}
