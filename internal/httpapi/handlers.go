package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/DoyleJ11/battlesync/internal/engine"
	"github.com/DoyleJ11/battlesync/internal/hub"
	"github.com/DoyleJ11/battlesync/internal/session"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxCodeAttempts = 10

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

type createRequest struct {
	Mode        engine.TurnMode `json:"mode"`
	TurnSeconds int             `json:"turn_seconds"`
}

type createResponse struct {
	Code        string          `json:"code"`
	Mode        engine.TurnMode `json:"mode"`
	TurnSeconds int             `json:"turn_seconds"`
}

type sessionSummary struct {
	Code    string       `json:"code"`
	Players int          `json:"players"`
	Stage   engine.Stage `json:"stage"`
}

type sessionDetail struct {
	Code      string           `json:"code"`
	Stage     engine.Stage     `json:"stage"`
	Version   int              `json:"version"`
	Players   int              `json:"players"`
	Connected int              `json:"connected"`
	Director  string           `json:"director,omitempty"`
	Turn      engine.TurnState `json:"turn"`
	Counters  session.Counters `json:"counters"`
}

// CreateSession reserves a fresh code and starts an empty session under it.
// The body is optional; an empty one gives the default rules.
func CreateSession(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "malformed body")
			return
		}
		switch req.Mode {
		case "", engine.ModeSimultaneous, engine.ModeRotation:
		default:
			writeError(w, http.StatusBadRequest, "unknown turn mode")
			return
		}

		for attempt := 0; attempt < maxCodeAttempts; attempt++ {
			code, err := GenerateCode()
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to generate code")
				return
			}
			res, err := h.Create(r.Context(), code, engine.Rules{Mode: req.Mode, TurnSeconds: req.TurnSeconds})
			if err != nil {
				writeError(w, http.StatusServiceUnavailable, "failed to create session")
				return
			}
			if !res.Created {
				log.Debug("code collision, regenerating", zap.String("session", code))
				continue
			}
			v, ok := view(r.Context(), res.Session)
			if !ok {
				writeError(w, http.StatusServiceUnavailable, "session unavailable")
				return
			}
			log.Info("session created", zap.String("session", code))
			writeJSON(w, http.StatusCreated, createResponse{
				Code:        code,
				Mode:        v.State.Rules.Mode,
				TurnSeconds: v.State.Rules.TurnSeconds,
			})
			return
		}
		writeError(w, http.StatusServiceUnavailable, "no free session code")
	}
}

func ListSessions(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := h.List(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		out := make([]sessionSummary, 0, len(entries))
		for _, e := range entries {
			v, ok := view(r.Context(), e.Session)
			if !ok {
				// ended while we were listing
				continue
			}
			out = append(out, sessionSummary{Code: e.Code, Players: len(v.State.Roster), Stage: v.State.Stage()})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func GetSession(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		s, err := h.Get(r.Context(), code)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		if s == nil {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		v, ok := view(r.Context(), s)
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		connected := 0
		for _, p := range v.State.Roster {
			if p.Connected {
				connected++
			}
		}
		writeJSON(w, http.StatusOK, sessionDetail{
			Code:      v.Code,
			Stage:     v.State.Stage(),
			Version:   v.Version,
			Players:   len(v.State.Roster),
			Connected: connected,
			Director:  v.State.Director,
			Turn:      v.State.Turn,
			Counters:  v.Counters,
		})
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func view(ctx context.Context, s *session.Session) (session.View, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.View(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: msg})
}
