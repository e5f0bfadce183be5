package webchat

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/modechat/pkg/conversations"
	"github.com/go-go-golems/modechat/pkg/modes"
	"github.com/go-go-golems/modechat/pkg/session"
)

const maxRequestBody = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Str("component", "webchat").Msg("write response failed")
	}
}

// writeError maps router and store errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, modes.ErrUnknownMode):
		status, code = http.StatusNotFound, "unknown_mode"
	case errors.Is(err, conversations.ErrConversationNotFound):
		status, code = http.StatusNotFound, "conversation_not_found"
	case errors.Is(err, conversations.ErrLastConversationForMode):
		status, code = http.StatusConflict, "last_conversation_for_mode"
	case errors.Is(err, session.ErrModeBusy):
		status, code = http.StatusConflict, "mode_busy"
	case errors.Is(err, session.ErrNoTurn):
		status, code = http.StatusConflict, "no_turn"
	case errors.Is(err, session.ErrNotFailed):
		status, code = http.StatusConflict, "not_failed"
	case errors.Is(err, session.ErrEmptyInput):
		status, code = http.StatusBadRequest, "empty_input"
	case errors.Is(err, session.ErrClosed):
		status, code = http.StatusServiceUnavailable, "closed"
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("component", "webchat").Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

// decodeBody reads an optional JSON body into v. An empty body is not an error.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "decode request body")
	}
	return nil
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "bad_request"})
}
