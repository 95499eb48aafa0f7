package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/swasth-ai/vitalscan/adapters"
	"github.com/swasth-ai/vitalscan/domain/entities"
	"github.com/swasth-ai/vitalscan/internal/auth"
	"github.com/swasth-ai/vitalscan/internal/metrics"
	"github.com/swasth-ai/vitalscan/internal/streaming"
)

type fakeScan struct {
	session *entities.ScanSession
	stats   streaming.Stats
	aborts  atomic.Int32
}

func (f *fakeScan) Session() *entities.ScanSession { return f.session }
func (f *fakeScan) FrameStats() streaming.Stats     { return f.stats }
func (f *fakeScan) Abort()                          { f.aborts.Add(1) }

func newTestServer(t *testing.T, deps Dependencies) *echo.Echo {
	t.Helper()
	e := echo.New()
	InitRoutes(e, deps, zap.NewNop())
	return e
}

func do(e *echo.Echo, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	e := newTestServer(t, Dependencies{Scan: &fakeScan{session: entities.NewScanSession()}})

	rec := do(e, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("Unexpected body %s", rec.Body.String())
	}
}

func TestScanStatus(t *testing.T) {
	session := entities.NewScanSession()
	if err := session.EnterPhase(entities.PhaseRespiratory); err != nil {
		t.Fatalf("EnterPhase failed: %v", err)
	}
	session.AdvanceProgress(12.5)

	scan := &fakeScan{
		session: session,
		stats: streaming.Stats{
			Sent:         7,
			Acknowledged: 6,
			Skipped:      map[streaming.SkipReason]uint64{streaming.SkipOutstanding: 3},
		},
	}
	e := newTestServer(t, Dependencies{Scan: scan})

	rec := do(e, http.MethodGet, "/api/v1/scan", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp ScanStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Session.ID != session.ID() {
		t.Errorf("Expected session %s, got %s", session.ID(), resp.Session.ID)
	}
	if resp.Session.Phase != entities.PhaseRespiratory || resp.Session.Progress != 12.5 {
		t.Errorf("Unexpected session state %+v", resp.Session)
	}
	if resp.Frames.Sent != 7 || resp.Frames.Acknowledged != 6 {
		t.Errorf("Unexpected frame stats %+v", resp.Frames)
	}
	if resp.Frames.Skipped[string(streaming.SkipOutstanding)] != 3 {
		t.Errorf("Expected 3 outstanding skips, got %v", resp.Frames.Skipped)
	}
}

func TestProcessedFrame(t *testing.T) {
	session := entities.NewScanSession()
	e := newTestServer(t, Dependencies{Scan: &fakeScan{session: session}})

	rec := do(e, http.MethodGet, "/api/v1/scan/frame", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 before any frame, got %d", rec.Code)
	}

	jpegBytes := []byte{0xff, 0xd8, 0xff, 0xd9}
	session.SetProcessedFrame("data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString(jpegBytes), nil)

	rec = do(e, http.MethodGet, "/api/v1/scan/frame", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %q", ct)
	}
	if rec.Body.String() != string(jpegBytes) {
		t.Errorf("Unexpected frame bytes %v", rec.Body.Bytes())
	}

	session.SetProcessedFrame("not a data url", nil)
	rec = do(e, http.MethodGet, "/api/v1/scan/frame", "")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("Expected 502 for a bad frame ref, got %d", rec.Code)
	}
}

func TestFrameMediaType(t *testing.T) {
	tests := map[string]string{
		"data:image/png;base64,AAAA":  "image/png",
		"data:image/jpeg;base64,AAAA": "image/jpeg",
		"data:;base64,AAAA":           "image/jpeg",
	}
	for ref, want := range tests {
		if got := frameMediaType(ref); got != want {
			t.Errorf("frameMediaType(%q) = %q, want %q", ref, got, want)
		}
	}
}

func TestAbortScan(t *testing.T) {
	scan := &fakeScan{session: entities.NewScanSession()}
	e := newTestServer(t, Dependencies{Scan: scan})

	rec := do(e, http.MethodPost, "/api/v1/scan/abort", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", rec.Code)
	}
	if scan.aborts.Load() != 1 {
		t.Errorf("Expected one abort, got %d", scan.aborts.Load())
	}
}

func TestAbortCompletedScan(t *testing.T) {
	session := entities.NewScanSession()
	for _, p := range []entities.ScanPhase{
		entities.PhaseRespiratory, entities.PhaseKinematic, entities.PhaseAcoustic,
		entities.PhaseAnalyzing, entities.PhaseComplete,
	} {
		if err := session.EnterPhase(p); err != nil {
			t.Fatalf("EnterPhase(%s) failed: %v", p, err)
		}
	}

	scan := &fakeScan{session: session}
	e := newTestServer(t, Dependencies{Scan: scan})

	rec := do(e, http.MethodPost, "/api/v1/scan/abort", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", rec.Code)
	}
	if scan.aborts.Load() != 0 {
		t.Error("Completed scan should not be aborted")
	}
}

func TestAbortRequiresTokenWhenSignerEnabled(t *testing.T) {
	signer := auth.NewSigner("test-secret")
	scan := &fakeScan{session: entities.NewScanSession()}
	e := newTestServer(t, Dependencies{Scan: scan, Signer: signer})

	if rec := do(e, http.MethodPost, "/api/v1/scan/abort", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", rec.Code)
	}

	other, err := auth.NewSigner("other-secret").GenerateClientToken("client", "s")
	if err != nil {
		t.Fatalf("GenerateClientToken failed: %v", err)
	}
	if rec := do(e, http.MethodPost, "/api/v1/scan/abort", other); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with a foreign token, got %d", rec.Code)
	}
	if scan.aborts.Load() != 0 {
		t.Fatal("Unauthorized requests must not abort")
	}

	token, err := signer.GenerateClientToken("client", scan.session.ID())
	if err != nil {
		t.Fatalf("GenerateClientToken failed: %v", err)
	}
	if rec := do(e, http.MethodPost, "/api/v1/scan/abort", token); rec.Code != http.StatusAccepted {
		t.Errorf("Expected 202 with a valid token, got %d", rec.Code)
	}
	if scan.aborts.Load() != 1 {
		t.Errorf("Expected one abort, got %d", scan.aborts.Load())
	}
}

func TestListAndGetScans(t *testing.T) {
	repo := adapters.NewMemoryScanResultRepository()
	ctx := context.Background()
	now := time.Now()

	for i, id := range []string{"a", "b", "c"} {
		err := repo.Save(ctx, &entities.ScanRecord{
			SessionID:   id,
			StartedAt:   now.Add(-time.Minute),
			CompletedAt: now.Add(time.Duration(i) * time.Second),
			Result: entities.ScanResult{
				RespiratoryScore:   90,
				KinematicStability: 95,
				AcousticFinding:    entities.FindingClearBaseline,
				ScoreDelta:         1,
			},
		})
		if err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	e := newTestServer(t, Dependencies{Scan: &fakeScan{session: entities.NewScanSession()}, Results: repo})

	rec := do(e, http.MethodGet, "/api/v1/scans?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var list ScanListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if list.Count != 2 || list.Scans[0].SessionID != "c" {
		t.Errorf("Expected newest two scans, got %+v", list)
	}

	if rec := do(e, http.MethodGet, "/api/v1/scans?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad limit, got %d", rec.Code)
	}

	rec = do(e, http.MethodGet, "/api/v1/scans/b", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var record entities.ScanRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("Failed to decode record: %v", err)
	}
	if record.SessionID != "b" {
		t.Errorf("Expected record b, got %s", record.SessionID)
	}

	if rec := do(e, http.MethodGet, "/api/v1/scans/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestScansWithoutStorage(t *testing.T) {
	e := newTestServer(t, Dependencies{Scan: &fakeScan{session: entities.NewScanSession()}})

	if rec := do(e, http.MethodGet, "/api/v1/scans", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	collector := metrics.NewCollector("vitalscan", zap.NewNop())
	collector.RecordFrameSent("respiratory")

	e := newTestServer(t, Dependencies{Scan: &fakeScan{session: entities.NewScanSession()}, Metrics: collector})

	rec := do(e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `vitalscan_frames_sent_total{phase="respiratory"} 1`) {
		t.Errorf("Metrics output missing frame counter:\n%s", rec.Body.String())
	}
}
