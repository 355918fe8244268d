// Package api exposes a read-only HTTP query surface over the
// ingestion store: candle lookups, symbol/timeframe status, and recent
// job history. It has no mutation routes and no auth — operators query
// it, nothing writes through it.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/marketdata/ingestd/internal/model"
	"github.com/marketdata/ingestd/internal/store"
)

// Server holds the dependencies the query handlers need.
type Server struct {
	gateway store.Gateway
}

// NewRouter builds the mux.Router for the read-only query API.
func NewRouter(gateway store.Gateway) *mux.Router {
	s := &Server{gateway: gateway}

	r := mux.NewRouter()
	r.HandleFunc("/candles/{exchange}/{symbol}/{timeframe}", s.handleGetCandles).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/jobs", s.handleRecentJobs).Methods(http.MethodGet)
	return r
}

func (s *Server) handleGetCandles(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tf, err := model.ParseTimeframe(vars["timeframe"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := store.RangeQuery{
		Exchange:  vars["exchange"],
		Symbol:    vars["symbol"],
		Timeframe: tf,
		Order:     store.Ascending,
	}

	qs := r.URL.Query()
	if v := qs.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
			return
		}
		q.Start = t
	}
	if v := qs.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
			return
		}
		q.End = t
	}
	if v := qs.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = n
	}
	if qs.Get("order") == "desc" {
		q.Order = store.Descending
	}

	candles, err := s.gateway.GetCandles(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, candles)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := s.gateway.StatusSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRecentJobs(w http.ResponseWriter, r *http.Request) {
	n := 20
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}

	jobs, err := s.gateway.RecentJobs(r.Context(), n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
