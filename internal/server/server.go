// Package server exposes the gate's HTTP API:
//
//	POST /decide         submit a proposed action for a decision
//	POST /rules          validate and publish a rule document
//	GET  /ledger/verify  recompute the hash chain over a range
//	GET  /ledger/export  export a ledger segment for external audit
//	GET  /ledger/stream  WebSocket feed of newly sealed records
//	GET  /healthz        liveness, ruleset version, ledger sequence
//	GET  /metrics        Prometheus exposition (when enabled)
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/complygate/complygate/internal/config"
	"github.com/complygate/complygate/internal/gate"
	"github.com/complygate/complygate/internal/ledger"
	"github.com/complygate/complygate/internal/proposition"
	"github.com/complygate/complygate/internal/rules"
)

// maxBodyBytes bounds request bodies. Action payloads and rule documents
// are small; anything larger is a client error.
const maxBodyBytes = 1 << 20

// Options holds the dependencies injected into the server at creation.
type Options struct {
	Config   *config.Config
	Registry *rules.Registry
	Engine   *gate.Engine
	Ledger   *ledger.Ledger
	Metrics  *gate.Metrics
}

// Server is the HTTP front-end for the gate.
type Server struct {
	cfg      *config.Config
	registry *rules.Registry
	engine   *gate.Engine
	ledger   *ledger.Ledger
	metrics  *gate.Metrics
	stream   *streamHub
	httpSrv  *http.Server
}

// New assembles the server and its routes.
func New(opts Options) *Server {
	s := &Server{
		cfg:      opts.Config,
		registry: opts.Registry,
		engine:   opts.Engine,
		ledger:   opts.Ledger,
		metrics:  opts.Metrics,
		stream:   newStreamHub(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /decide", s.handleDecide)
	mux.HandleFunc("POST /rules", s.handleRules)
	mux.HandleFunc("GET /ledger/verify", s.handleVerify)
	mux.HandleFunc("GET /ledger/export", s.handleExport)
	mux.HandleFunc("GET /ledger/stream", s.handleStream)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if opts.Metrics != nil && opts.Config.Metrics.Enabled {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	s.httpSrv = &http.Server{
		Addr:              opts.Config.Server.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Broadcast pushes a sealed record to stream subscribers. Wired as the
// ledger's OnAppend callback; non-blocking.
func (s *Server) Broadcast(rec ledger.Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	s.stream.broadcast(data)
}

// ListenAndServe runs the server until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	go s.stream.run()
	slog.Info("server listening", "addr", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// decideResponse is the wire shape for POST /decide.
type decideResponse struct {
	CorrelationID  string   `json:"correlation_id"`
	Verdict        string   `json:"verdict"`
	MatchedRules   []string `json:"matched_rules"`
	Reason         string   `json:"reason,omitempty"`
	LedgerSequence uint64   `json:"ledger_sequence"`
	RuleSetVersion uint64   `json:"ruleset_version"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body", "")
		return
	}

	var raw proposition.RawAction
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), "")
		return
	}

	decision, rec, err := s.engine.Decide(r.Context(), raw)
	if err != nil {
		var malformed *proposition.MalformedActionError
		if errors.As(err, &malformed) {
			writeError(w, http.StatusBadRequest, malformed.Error(), "")
			return
		}
		var writeErr *ledger.WriteError
		if errors.As(err, &writeErr) {
			// The decision is not final until durably recorded; the
			// caller must resubmit.
			slog.Error("ledger append failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "decision could not be durably recorded; retry the submission", "")
			return
		}
		slog.Error("decide failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}

	writeJSON(w, http.StatusOK, decideResponse{
		CorrelationID:  decision.ID,
		Verdict:        string(decision.Verdict),
		MatchedRules:   decision.MatchedRuleIDs(),
		Reason:         decision.Reason,
		LedgerSequence: rec.Seq,
		RuleSetVersion: decision.RuleSetVersion,
	})
}

// rulesResponse is the wire shape for POST /rules.
type rulesResponse struct {
	Version     uint64 `json:"version"`
	ContentHash string `json:"content_hash"`
	RuleCount   int    `json:"rule_count"`
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body", "")
		return
	}

	rs, err := s.registry.LoadDocument(body)
	if err != nil {
		var verr *rules.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusUnprocessableEntity, verr.Reason, verr.RuleID)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	// Persist so the published set survives restart. Publishing is
	// content-hash idempotent, so the watcher reloading this write does
	// not bump the version again.
	if err := os.WriteFile(s.cfg.Rules.Path, body, 0o644); err != nil {
		slog.Error("persisting rule document failed", "path", s.cfg.Rules.Path, "error", err)
	}

	writeJSON(w, http.StatusOK, rulesResponse{
		Version:     rs.Version(),
		ContentHash: rs.ContentHash(),
		RuleCount:   rs.Len(),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	from, to, err := rangeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	result, err := s.ledger.Verify(from, to)
	if err != nil {
		var integrity *ledger.ChainIntegrityError
		if errors.As(err, &integrity) {
			// Tampering or upstream storage corruption. Surface loudly
			// but keep serving: verification is read-only and never
			// blocks appends.
			slog.Error("LEDGER CHAIN INTEGRITY FAILURE", "seq", integrity.Seq, "reason", integrity.Reason)
			writeJSON(w, http.StatusOK, result)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	from, to, err := rangeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "json":
		w.Header().Set("Content-Type", "application/json")
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
	default:
		w.Header().Set("Content-Type", "application/x-ndjson")
	}

	if err := s.ledger.Export(w, format, from, to); err != nil {
		slog.Error("ledger export failed", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"ruleset_version": s.registry.Current().Version(),
		"ledger_sequence": s.ledger.Seq(),
	})
}

// rangeParams parses from/to query parameters. Missing from defaults to
// 0; missing to means "through the end".
func rangeParams(r *http.Request) (int64, int64, error) {
	q := r.URL.Query()
	var from, to int64 = 0, -1

	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("invalid from parameter %q", v)
		}
		from = n
	}
	if v := q.Get("to"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("invalid to parameter %q", v)
		}
		to = n
	}
	if to >= 0 && to < from {
		return 0, 0, fmt.Errorf("to %d is before from %d", to, from)
	}
	return from, to, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writing response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg, ruleID string) {
	body := map[string]any{"error": msg}
	if ruleID != "" {
		body["rule_id"] = ruleID
	}
	writeJSON(w, status, body)
}
