// Package server exposes a small operational HTTP surface: liveness and a
// status snapshot of the running pipeline.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"giftradar/internal/dedup"
	"giftradar/internal/enrich"
	"giftradar/internal/pipeline"
	"giftradar/internal/tonapi"
)

type HTTPServer struct {
	stream tonapi.Stream
	pipe   *pipeline.Pipeline
	dd     *dedup.Cache
	enr    *enrich.Enricher
	log    *slog.Logger
	mux    *http.ServeMux
}

func NewHTTPServer(stream tonapi.Stream, pipe *pipeline.Pipeline, dd *dedup.Cache, enr *enrich.Enricher, logger *slog.Logger) *HTTPServer {
	s := &HTTPServer{
		stream: stream,
		pipe:   pipe,
		dd:     dd,
		enr:    enr,
		log:    logger,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *HTTPServer) Router() http.Handler { return s.mux }

func (s *HTTPServer) routes() {
	s.mux.HandleFunc("/api/health", s.apiHealth)
	s.mux.HandleFunc("/api/status", s.apiStatus)
}

func (s *HTTPServer) apiHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"ok":        true,
		"connected": s.stream.Connected(),
	})
}

func (s *HTTPServer) apiStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.pipe.Stats()
	metaSize, salesSize := s.enr.CacheSizes()
	writeJSON(w, map[string]any{
		"connected":      s.stream.Connected(),
		"processed":      stats.Processed,
		"deduped":        stats.Deduped,
		"alerted":        stats.Alerted,
		"dropped":        stats.Dropped,
		"dedupSize":      s.dd.Len(),
		"metaCacheSize":  metaSize,
		"salesCacheSize": salesSize,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
