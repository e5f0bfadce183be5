package webchat

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/go-go-golems/modechat/pkg/conversations"
	"github.com/go-go-golems/modechat/pkg/modes"
	"github.com/go-go-golems/modechat/pkg/session"
)

// HealthChecker probes a mode backend. *dispatch.Dispatcher implements it.
type HealthChecker interface {
	Health(ctx context.Context, modeID string) error
}

type API struct {
	router   *session.Router
	health   HealthChecker
	pool     *ConnectionPool
	upgrader websocket.Upgrader
}

type APIOption func(*API)

func WithUpgrader(u websocket.Upgrader) APIOption {
	return func(a *API) {
		a.upgrader = u
	}
}

func WithHealthChecker(h HealthChecker) APIOption {
	return func(a *API) {
		a.health = h
	}
}

func NewAPI(router *session.Router, pool *ConnectionPool, opts ...APIOption) (*API, error) {
	if router == nil {
		return nil, errors.New("webchat: router is nil")
	}
	if pool == nil {
		pool = NewConnectionPool("ws")
	}
	a := &API{
		router: router,
		pool:   pool,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

func (a *API) Pool() *ConnectionPool {
	return a.pool
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/modes", a.listModes)
	mux.HandleFunc("GET /api/modes/{mode}", a.getMode)
	mux.HandleFunc("POST /api/modes/{mode}/submit", a.submit)
	mux.HandleFunc("POST /api/modes/{mode}/stop", a.stop)
	mux.HandleFunc("POST /api/modes/{mode}/reload", a.reload)
	mux.HandleFunc("PUT /api/modes/{mode}/input", a.setInput)
	mux.HandleFunc("GET /api/modes/{mode}/conversations", a.listConversations)
	mux.HandleFunc("POST /api/modes/{mode}/conversations", a.newConversation)
	mux.HandleFunc("POST /api/conversations/{id}/switch", a.switchConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", a.deleteConversation)
	mux.HandleFunc("POST /api/mode", a.changeMode)
	mux.HandleFunc("GET /api/health/{mode}", a.healthCheck)
	mux.HandleFunc("GET /ws", a.serveWS)
	return mux
}

type modeView struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Icon         string         `json:"icon"`
	QuickActions []string       `json:"quick_actions,omitempty"`
	Status       session.Status `json:"status"`
	Current      bool           `json:"current"`
}

type modeDetail struct {
	modeView
	State session.ModeState `json:"state"`
}

func (a *API) view(m modes.Mode, st session.ModeState) modeView {
	return modeView{
		ID:           m.ID,
		Name:         m.Name,
		Description:  m.Description,
		Icon:         m.Icon,
		QuickActions: m.QuickActions,
		Status:       st.Status,
		Current:      a.router.CurrentMode() == m.ID,
	}
}

func (a *API) listModes(w http.ResponseWriter, r *http.Request) {
	list := a.router.Registry().List()
	out := make([]modeView, 0, len(list))
	for _, m := range list {
		st, err := a.router.Snapshot(m.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, a.view(m, st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getMode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("mode")
	m, err := a.router.Registry().Resolve(id)
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := a.router.Snapshot(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modeDetail{modeView: a.view(m, st), State: st})
}

type submitRequest struct {
	Text string `json:"text"`
}

type submitResponse struct {
	TurnID         string             `json:"turn_id"`
	ModeID         string             `json:"mode_id"`
	ConversationID string             `json:"conversation_id"`
	State          *session.ModeState `json:"state,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// submit sends the body text, or the mode's input buffer when the body has
// none. ?wait=true holds the response until the turn settles.
func (a *API) submit(w http.ResponseWriter, r *http.Request) {
	modeID := r.PathValue("mode")
	var body submitRequest
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, err)
		return
	}
	var (
		turn *session.Turn
		err  error
	)
	if strings.TrimSpace(body.Text) == "" {
		turn, err = a.router.SubmitInput(r.Context(), modeID)
	} else {
		turn, err = a.router.Submit(r.Context(), modeID, body.Text)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	resp := submitResponse{TurnID: turn.ID, ModeID: turn.ModeID, ConversationID: turn.ConversationID}
	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	if err := turn.Wait(r.Context()); err != nil {
		resp.Error = err.Error()
	}
	st, err := a.router.Snapshot(modeID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp.State = &st
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) stop(w http.ResponseWriter, r *http.Request) {
	modeID := r.PathValue("mode")
	if err := a.router.Stop(modeID); err != nil {
		writeError(w, err)
		return
	}
	a.writeSnapshot(w, modeID)
}

func (a *API) reload(w http.ResponseWriter, r *http.Request) {
	modeID := r.PathValue("mode")
	if err := a.router.Reload(modeID); err != nil {
		writeError(w, err)
		return
	}
	a.writeSnapshot(w, modeID)
}

func (a *API) setInput(w http.ResponseWriter, r *http.Request) {
	modeID := r.PathValue("mode")
	var body submitRequest
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, err)
		return
	}
	if err := a.router.SetInput(modeID, body.Text); err != nil {
		writeError(w, err)
		return
	}
	a.writeSnapshot(w, modeID)
}

func (a *API) writeSnapshot(w http.ResponseWriter, modeID string) {
	st, err := a.router.Snapshot(modeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := a.router.Conversations(r.PathValue("mode"))
	if err != nil {
		writeError(w, err)
		return
	}
	if convs == nil {
		convs = []conversations.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (a *API) newConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := a.router.NewConversation(r.Context(), r.PathValue("mode"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (a *API) switchConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := a.router.SwitchConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (a *API) deleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := a.router.DeleteConversation(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type changeModeRequest struct {
	Mode string `json:"mode"`
}

func (a *API) changeMode(w http.ResponseWriter, r *http.Request) {
	var body changeModeRequest
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, err)
		return
	}
	st, err := a.router.ChangeMode(r.Context(), strings.TrimSpace(body.Mode))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type healthResponse struct {
	ModeID string `json:"mode_id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	modeID := r.PathValue("mode")
	if _, err := a.router.Registry().Resolve(modeID); err != nil {
		writeError(w, err)
		return
	}
	if a.health == nil {
		writeJSON(w, http.StatusNotImplemented, healthResponse{ModeID: modeID, Error: "health checks are not configured"})
		return
	}
	if err := a.health.Health(r.Context(), modeID); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{ModeID: modeID, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{ModeID: modeID, OK: true})
}
