package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/complygate/complygate/internal/config"
	"github.com/complygate/complygate/internal/gate"
	"github.com/complygate/complygate/internal/ledger"
	"github.com/complygate/complygate/internal/rules"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "config.yaml"), dir)
	if err != nil {
		t.Fatal(err)
	}

	registry := rules.NewRegistry()
	if _, err := registry.LoadDocument([]byte(`rules:
  - id: ke-data-residency
    jurisdictions: KE
    severity: blocking
    residency: true
    allowed_jurisdictions: [KE]`)); err != nil {
		t.Fatal(err)
	}

	led, err := ledger.Open(ledger.Options{Store: ledger.NewMemStore()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { led.Close() })

	metrics := gate.NewMetrics()
	engine := gate.New(gate.Options{Registry: registry, Ledger: led, Metrics: metrics})

	srv := New(Options{
		Config:   cfg,
		Registry: registry,
		Engine:   engine,
		Ledger:   led,
		Metrics:  metrics,
	})
	go srv.stream.run()

	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp, decoded
}

func TestHandleDecide(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantField  string
		wantValue  string
	}{
		{
			name:       "cross border transfer blocked",
			body:       `{"actor":"svc-export","actor_jurisdiction":"US","data_jurisdiction":"KE","category":"transfer"}`,
			wantStatus: http.StatusOK,
			wantField:  "verdict",
			wantValue:  "BLOCK",
		},
		{
			name:       "in-jurisdiction transfer permitted",
			body:       `{"actor":"svc-export","actor_jurisdiction":"KE","data_jurisdiction":"KE","category":"transfer"}`,
			wantStatus: http.StatusOK,
			wantField:  "verdict",
			wantValue:  "PERMIT",
		},
		{
			name:       "missing actor rejected",
			body:       `{"actor_jurisdiction":"KE","category":"transfer"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid json rejected",
			body:       `{not json`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, decoded := postJSON(t, ts.URL+"/decide", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tt.wantStatus, decoded)
			}
			if tt.wantField != "" && decoded[tt.wantField] != tt.wantValue {
				t.Errorf("%s = %v, want %s", tt.wantField, decoded[tt.wantField], tt.wantValue)
			}
		})
	}
}

func TestHandleDecideAssignsLedgerSequence(t *testing.T) {
	_, ts := newTestServer(t)

	body := `{"actor":"svc-export","actor_jurisdiction":"KE","data_jurisdiction":"KE","category":"transfer"}`
	_, first := postJSON(t, ts.URL+"/decide", body)
	_, second := postJSON(t, ts.URL+"/decide", body)

	if first["ledger_sequence"] != float64(0) || second["ledger_sequence"] != float64(1) {
		t.Errorf("sequences = %v, %v", first["ledger_sequence"], second["ledger_sequence"])
	}
	if first["correlation_id"] == "" {
		t.Error("no correlation id assigned")
	}
}

func TestHandleRules(t *testing.T) {
	srv, ts := newTestServer(t)

	resp, decoded := postJSON(t, ts.URL+"/rules", `rules:
  - id: eu-residency
    jurisdictions: EU
    severity: blocking
    residency: true
    allowed_jurisdictions: [EU]`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%v)", resp.StatusCode, decoded)
	}
	if decoded["version"] != float64(3) {
		t.Errorf("version = %v, want 3", decoded["version"])
	}

	if _, ok := srv.registry.Current().Rule("eu-residency"); !ok {
		t.Error("published rule not in current snapshot")
	}

	// The accepted document is persisted for restart and hot-reload.
	data, err := os.ReadFile(srv.cfg.Rules.Path)
	if err != nil {
		t.Fatalf("rule document not persisted: %v", err)
	}
	if !strings.Contains(string(data), "eu-residency") {
		t.Error("persisted document missing published rule")
	}
}

func TestHandleRulesValidationFailure(t *testing.T) {
	srv, ts := newTestServer(t)
	before := srv.registry.Current().Version()

	resp, decoded := postJSON(t, ts.URL+"/rules", `rules:
  - id: broken
    severity: blocking`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	if decoded["rule_id"] != "broken" {
		t.Errorf("rule_id = %v", decoded["rule_id"])
	}
	if srv.registry.Current().Version() != before {
		t.Error("rejected document changed the active version")
	}
}

func TestHandleVerify(t *testing.T) {
	_, ts := newTestServer(t)

	postJSON(t, ts.URL+"/decide", `{"actor":"svc-export","actor_jurisdiction":"KE","category":"transfer"}`)

	resp, err := http.Get(ts.URL + "/ledger/verify")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var result ledger.VerifyResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if !result.Intact || result.Checked != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestHandleVerifyBadRange(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/ledger/verify?from=5&to=2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleExport(t *testing.T) {
	_, ts := newTestServer(t)

	postJSON(t, ts.URL+"/decide", `{"actor":"svc-export","actor_jurisdiction":"KE","category":"transfer"}`)
	postJSON(t, ts.URL+"/decide", `{"actor":"svc-export","actor_jurisdiction":"KE","category":"transfer"}`)

	resp, err := http.Get(ts.URL + "/ledger/export?format=csv")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q", ct)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 { // header + 2 records
		t.Errorf("csv lines = %d, want 3", len(lines))
	}
}

func TestHandleHealthz(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if body["ruleset_version"] != float64(2) {
		t.Errorf("ruleset_version = %v", body["ruleset_version"])
	}
}

func TestHandleMetrics(t *testing.T) {
	_, ts := newTestServer(t)

	postJSON(t, ts.URL+"/decide", `{"actor":"svc-export","actor_jurisdiction":"KE","category":"transfer"}`)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "complygate_decisions_total") {
		t.Error("decision counter missing from exposition")
	}
}
