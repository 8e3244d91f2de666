package keyserver

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"memvault.org/internal/obs"
)

const maxRequestBody = 1 << 20

// shareResponse is the wire form of a released share.
type shareResponse struct {
	Index byte   `json:"index"`
	Value []byte `json:"value"`
}

// Router builds the server's HTTP surface.
func Router(s *Server, logger *zap.Logger, limit rate.Limit) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := rate.NewLimiter(limit, int(limit)+1)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.Instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/v1/public-key", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"name":       s.Name(),
			"public_key": hex.EncodeToString(s.PublicKey()),
		})
	})

	r.Post("/v1/share", func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		var req ShareRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request")
			return
		}
		share, err := s.Release(r.Context(), req)
		if err != nil {
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				logger.Error("share release failed", zap.Error(err))
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, shareResponse{Index: share.Index, Value: share.Value})
	})

	return r
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadSession):
		return http.StatusUnauthorized
	case errors.Is(err, ErrDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrBadShare):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
