package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/miradorstack/loglens/internal/detectors"
	"github.com/miradorstack/loglens/internal/embedding"
	"github.com/miradorstack/loglens/internal/engine"
	"github.com/miradorstack/loglens/internal/services"
	"github.com/miradorstack/loglens/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testNow = time.Date(2024, 5, 2, 13, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, emb detectors.Embedder) *services.AnalyticsService {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{Driver: store.DialectSQLite})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if emb == nil {
		emb = embedding.NewHashingEmbedder(embedding.DefaultDimensions)
	}
	eng, err := engine.New(st, emb, engine.DefaultConfig(), nil,
		engine.WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return services.NewAnalyticsService(nil, st, eng)
}

func newTestRouter(t *testing.T) (*services.AnalyticsService, *gin.Engine) {
	t.Helper()
	svc := newTestService(t, nil)
	return svc, NewRouter(svc, nil, 1<<20)
}

// fixtureLog has six failed logins, three failing minutes on /api/pay and
// some healthy traffic.
func fixtureLog() string {
	var b strings.Builder
	for i := 0; i < 6; i++ {
		fmt.Fprintf(&b, "2024-05-01T12:0%d:00Z ERROR /api/login 401 0.050 10.0.0.9 - invalid credentials\n", i)
	}
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&b, "2024-05-01T12:1%d:00Z ERROR /api/pay 503 1.500 10.0.0.%d - upstream timeout\n", i, i+1)
	}
	for i := 0; i < 4; i++ {
		fmt.Fprintf(&b, "2024-05-01T12:2%d:00Z INFO /api/cart 200 0.040\n", i)
	}
	return b.String()
}

func do(r http.Handler, method, target string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
}

func upload(t *testing.T, r http.Handler) {
	t.Helper()
	w := do(r, http.MethodPost, "/logs/upload", bytes.NewBufferString(fixtureLog()), "text/plain")
	if w.Code != http.StatusOK {
		t.Fatalf("upload status = %d body=%s", w.Code, w.Body.String())
	}
}

func TestUploadRawBodyAndListParsed(t *testing.T) {
	_, r := newTestRouter(t)

	w := do(r, http.MethodPost, "/logs/upload", bytes.NewBufferString(fixtureLog()), "text/plain")
	if w.Code != http.StatusOK {
		t.Fatalf("upload status = %d body=%s", w.Code, w.Body.String())
	}
	var body struct {
		Status string `json:"status"`
		Saved  int    `json:"saved"`
	}
	decode(t, w, &body)
	if body.Status != "ok" || body.Saved != 13 {
		t.Fatalf("unexpected upload body %+v", body)
	}

	w = do(r, http.MethodGet, "/logs/parsed?limit=2", nil, "")
	var records []map[string]any
	decode(t, w, &records)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
}

func TestUploadMultipart(t *testing.T) {
	_, r := newTestRouter(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "app.log")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte(fixtureLog()))
	_ = mw.Close()

	w := do(r, http.MethodPost, "/logs/upload", &buf, mw.FormDataContentType())
	if w.Code != http.StatusOK {
		t.Fatalf("upload status = %d body=%s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodPost, "/logs/upload", bytes.NewBufferString("--x--"), "multipart/form-data; boundary=x")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing file, got %d", w.Code)
	}
}

func TestSecurityChecks(t *testing.T) {
	_, r := newTestRouter(t)
	upload(t, r)

	w := do(r, http.MethodPost, "/anomalies/security?testing=true", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("security status = %d body=%s", w.Code, w.Body.String())
	}
	var body struct {
		Status        string                      `json:"status"`
		TotalDetected int                         `json:"total_detected"`
		Details       map[string][]map[string]any `json:"details"`
	}
	decode(t, w, &body)
	logins := body.Details["login_bruteforce"]
	if len(logins) != 1 || logins[0]["severity"] != "critical" {
		t.Fatalf("unexpected login findings %+v", logins)
	}
	if body.TotalDetected < 1 {
		t.Fatalf("expected total_detected >= 1, got %d", body.TotalDetected)
	}

	w = do(r, http.MethodGet, "/anomalies?kind=login_bruteforce", nil, "")
	var listed []map[string]any
	decode(t, w, &listed)
	if len(listed) != 1 || listed[0]["type"] != "login_bruteforce" {
		t.Fatalf("unexpected persisted findings %+v", listed)
	}

	w = do(r, http.MethodGet, "/anomalies?kind=login_bruteforce&since=2030-01-01T00:00:00Z", nil, "")
	decode(t, w, &listed)
	if len(listed) != 0 {
		t.Fatalf("expected no findings after since bound, got %+v", listed)
	}
}

func TestErrorSpikeShape(t *testing.T) {
	_, r := newTestRouter(t)
	upload(t, r)

	w := do(r, http.MethodPost, "/anomalies/error-spike?testing=true", nil, "")
	var body struct {
		Status   string           `json:"status"`
		Detected int              `json:"detected"`
		Items    []map[string]any `json:"items"`
	}
	decode(t, w, &body)
	if body.Status != "ok" || body.Detected != len(body.Items) || body.Detected == 0 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestInvalidParametersReturn400(t *testing.T) {
	_, r := newTestRouter(t)

	for _, target := range []string{
		"/anomalies/run?testing=maybe",
		"/anomalies/sequence-ml?threshold=-1&testing=true",
		"/anomalies/semantic-clusters?eps=0",
		"/anomalies/predict?predict_minutes=-5",
		"/anomalies/run-all?min_samples=abc",
	} {
		w := do(r, http.MethodPost, target, nil, "")
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400 (body=%s)", target, w.Code, w.Body.String())
		}
	}
	for _, target := range []string{"/logs/parsed?limit=-1", "/anomalies?since=yesterday"} {
		w := do(r, http.MethodGet, target, nil, "")
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", target, w.Code)
		}
	}
}

func TestPredictDefaultsToTesting(t *testing.T) {
	_, r := newTestRouter(t)
	upload(t, r)

	w := do(r, http.MethodPost, "/anomalies/predict?predict_minutes=5", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("predict status = %d body=%s", w.Code, w.Body.String())
	}
	var body struct {
		Status   string           `json:"status"`
		OK       bool             `json:"ok"`
		Model    string           `json:"model"`
		Timeline []map[string]any `json:"timeline"`
	}
	decode(t, w, &body)
	if !body.OK || body.Model != detectors.ForecastModelName || len(body.Timeline) != 5 {
		t.Fatalf("unexpected forecast %+v", body)
	}

	w = do(r, http.MethodPost, "/anomalies/predict?testing=false", nil, "")
	decode(t, w, &body)
	if body.OK {
		t.Fatalf("expected not enough data outside the window, got %+v", body)
	}
}

func TestClusteringModelUnavailableReturns503(t *testing.T) {
	down := embedding.EmbedderFunc(func(context.Context, []string) ([][]float64, error) {
		return nil, embedding.ErrModelUnavailable
	})
	svc := newTestService(t, down)
	r := NewRouter(svc, nil, 0)
	upload(t, r)

	w := do(r, http.MethodPost, "/anomalies/semantic-clusters?testing=true", nil, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 (body=%s)", w.Code, w.Body.String())
	}

	w = do(r, http.MethodPost, "/anomalies/run-all?testing=true", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("run-all status = %d body=%s", w.Code, w.Body.String())
	}
	var body struct {
		Report engine.RunReport `json:"report"`
	}
	decode(t, w, &body)
	if _, ok := body.Report.Errors[engine.DetectorSemantic]; !ok {
		t.Fatalf("expected clustering error in report, got %+v", body.Report.Errors)
	}
}

func TestSemanticEndpoints(t *testing.T) {
	_, r := newTestRouter(t)
	upload(t, r)

	w := do(r, http.MethodPost, "/anomalies/semantic-clusters?testing=true", nil, "")
	var clusters struct {
		Status string `json:"status"`
		Data   struct {
			Meta struct {
				Method string `json:"method"`
				NItems int    `json:"n_items"`
			} `json:"meta"`
		} `json:"data"`
	}
	decode(t, w, &clusters)
	if clusters.Status != "ok" || clusters.Data.Meta.NItems != 9 || clusters.Data.Meta.Method == "" {
		t.Fatalf("unexpected clusters %+v", clusters)
	}

	w = do(r, http.MethodPost, "/anomalies/outliers?testing=true", nil, "")
	var outliers map[string]any
	decode(t, w, &outliers)
	if _, ok := outliers["outliers"]; !ok {
		t.Fatalf("missing outliers key: %v", outliers)
	}
	if _, ok := outliers["meta"]; !ok {
		t.Fatalf("missing meta key: %v", outliers)
	}
}

func TestMetricsAndReport(t *testing.T) {
	_, r := newTestRouter(t)
	upload(t, r)

	w := do(r, http.MethodGet, "/metrics/top-errors?testing=true", nil, "")
	var top struct {
		Data []struct {
			Endpoint   string `json:"endpoint"`
			ErrorCount int    `json:"error_count"`
		} `json:"data"`
	}
	decode(t, w, &top)
	if len(top.Data) != 2 || top.Data[0].Endpoint != "/api/login" || top.Data[0].ErrorCount != 6 {
		t.Fatalf("unexpected top errors %+v", top)
	}

	w = do(r, http.MethodGet, "/metrics/summary?testing=true", nil, "")
	var summary map[string]any
	decode(t, w, &summary)
	if summary["total_logs"] != float64(13) || summary["error_count"] != float64(9) {
		t.Fatalf("unexpected summary %v", summary)
	}

	for _, path := range []string{"/metrics/daily", "/metrics/slowest", "/metrics/downtime", "/metrics/top-anomalies", "/metrics/snapshots", "/reports"} {
		if w := do(r, http.MethodGet, path+"?testing=true", nil, ""); w.Code != http.StatusOK {
			t.Fatalf("%s status = %d body=%s", path, w.Code, w.Body.String())
		}
	}

	w = do(r, http.MethodGet, "/metrics/slowest?testing=true", nil, "")
	var slowest []map[string]any
	decode(t, w, &slowest)
	if len(slowest) == 0 || slowest[0]["endpoint"] != "/api/pay" {
		t.Fatalf("unexpected slowest %v", slowest)
	}
}

func TestHealthz(t *testing.T) {
	_, r := newTestRouter(t)
	w := do(r, http.MethodGet, "/healthz", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", w.Code)
	}
}
