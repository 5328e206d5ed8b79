package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ppiankov/govgate/internal/metrics"
	"github.com/ppiankov/govgate/internal/model"
)

// OpsHandler serves health, metrics and ledger verification.
func (s *Server) OpsHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/v1/ledger/verify", s.handleVerify)
	return r
}

func (s *Server) handleVerify(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	res, err := s.app.Ledger.Verify(req.Context(), q.Get("from"), q.Get("to"))
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, model.ErrNotFound):
			code = http.StatusNotFound
		case model.IsValidation(err):
			code = http.StatusBadRequest
		}
		writeJSON(w, code, map[string]string{"error": err.Error()})
		return
	}
	code := http.StatusOK
	if !res.Valid {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
