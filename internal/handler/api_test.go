package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"labelconsensus/internal/consensus"
	"labelconsensus/internal/middleware"
	"labelconsensus/internal/models"
	"labelconsensus/internal/repository"
	"labelconsensus/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var testSecret = []byte("test-secret")

type testAPI struct {
	store  *repository.Store
	router *gin.Engine
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	store, err := repository.Open(repository.DriverSQLite, filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := NewHandler(
		store,
		service.NewFinalizer(store, consensus.NewClassifier(consensus.DefaultConfig()), logger),
		service.NewReliabilityEstimator(store, logger),
		service.NewExporter(store, logger),
		Options{JWTSecret: testSecret, Reliability: service.DefaultReliabilityConfig(), ExportLimit: 100},
		logger,
	)
	r := gin.New()
	h.RegisterRoutes(r)
	return &testAPI{store: store, router: r}
}

func (a *testAPI) seedSample(t *testing.T, hash string) int64 {
	t.Helper()
	s := &models.Sample{ContentHash: hash, ImagePath: "roi/" + hash + ".png"}
	if err := a.store.CreateSample(context.Background(), s); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	return s.ID
}

func token(t *testing.T, userID int64, role string) string {
	t.Helper()
	now := time.Now()
	claims := &models.Claims{
		UserID: userID,
		Email:  "user" + strconv.FormatInt(userID, 10) + "@example.com",
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return tok
}

func (a *testAPI) do(t *testing.T, method, path, tok, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get(middleware.HeaderRequestID) == "" {
		t.Fatal("expected a request id header")
	}
}

func TestAuthAndRoles(t *testing.T) {
	api := newTestAPI(t)

	if w := api.do(t, http.MethodGet, "/api/v1/reliability/latest", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if w := api.do(t, http.MethodGet, "/api/v1/reliability/latest", "garbage", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", w.Code)
	}
	if w := api.do(t, http.MethodGet, "/api/v1/reliability/latest", token(t, 1, models.RoleViewer), ""); w.Code != http.StatusOK {
		t.Fatalf("expected viewer to read snapshots, got %d", w.Code)
	}
	if w := api.do(t, http.MethodPost, "/api/v1/reliability/run", token(t, 1, models.RoleLabeler), ""); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for labeler on admin route, got %d", w.Code)
	}
	if w := api.do(t, http.MethodGet, "/api/v1/label-queue/next", token(t, 1, models.RoleViewer), ""); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer on labeler route, got %d", w.Code)
	}
}

func TestSubmitFlow(t *testing.T) {
	api := newTestAPI(t)
	id := api.seedSample(t, "flow")
	path := "/api/v1/samples/" + strconv.FormatInt(id, 10)

	w := api.do(t, http.MethodGet, "/api/v1/label-queue/next", token(t, 1, models.RoleLabeler), "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"roi_sha256":"flow"`) {
		t.Fatalf("expected sample in queue, got %d %s", w.Code, w.Body.String())
	}

	w = api.do(t, http.MethodPost, path+"/submissions", token(t, 1, models.RoleLabeler), `{"labels":{"redness":0.4,"bogus":"x"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", w.Code, w.Body.String())
	}

	w = api.do(t, http.MethodPost, path+"/submissions", token(t, 1, models.RoleLabeler), `{"labels":{"redness":0.5}}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", w.Code)
	}

	w = api.do(t, http.MethodGet, "/api/v1/label-queue/next?limit=500", token(t, 1, models.RoleLabeler), "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"total":0`) {
		t.Fatalf("expected empty queue for annotator 1, got %d %s", w.Code, w.Body.String())
	}

	w = api.do(t, http.MethodPost, path+"/submissions", token(t, 2, models.RoleLabeler), `{"labels":{"redness":0.4}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Consensus service.Outcome `json:"consensus"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Consensus.Finalized || resp.Consensus.Final == nil || resp.Consensus.Final.Labels["redness"] != 0.4 {
		t.Fatalf("expected finalization, got %+v", resp.Consensus)
	}

	w = api.do(t, http.MethodPost, path+"/finalize", token(t, 2, models.RoleLabeler), "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), service.ReasonAlreadyFinal) {
		t.Fatalf("expected already_final, got %d %s", w.Code, w.Body.String())
	}

	w = api.do(t, http.MethodPost, path+"/submissions", token(t, 3, models.RoleLabeler), `{"labels":{"redness":0.4}}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on finalized sample, got %d", w.Code)
	}

	w = api.do(t, http.MethodGet, "/api/v1/consensus-artifacts?sample_id="+strconv.FormatInt(id, 10), token(t, 9, models.RoleViewer), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list struct {
		Artifacts []models.ConsensusArtifact `json:"artifacts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Artifacts) != 2 || list.Artifacts[0].Status != models.StatusFinalized {
		t.Fatalf("unexpected artifacts: %+v", list.Artifacts)
	}
	if list.Artifacts[0].RequestID == nil || *list.Artifacts[0].RequestID == "" {
		t.Fatal("expected artifact to carry the request id")
	}
}

func TestSubmitValidation(t *testing.T) {
	api := newTestAPI(t)
	id := api.seedSample(t, "val")
	path := "/api/v1/samples/" + strconv.FormatInt(id, 10) + "/submissions"
	tok := token(t, 1, models.RoleLabeler)

	if w := api.do(t, http.MethodPost, path, tok, `{"labels":{}}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty labels, got %d", w.Code)
	}
	if w := api.do(t, http.MethodPost, path, tok, `not json`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", w.Code)
	}
	if w := api.do(t, http.MethodPost, "/api/v1/samples/abc/submissions", tok, `{"skip":true}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", w.Code)
	}
	if w := api.do(t, http.MethodPost, "/api/v1/samples/999/submissions", tok, `{"skip":true}`); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := api.do(t, http.MethodPost, path, tok, `{"skip":true,"reason":"blurry"}`); w.Code != http.StatusCreated {
		t.Fatalf("expected skip to be accepted, got %d %s", w.Code, w.Body.String())
	}

	gone := api.seedSample(t, "gone")
	if err := api.store.WithdrawSample(context.Background(), gone, time.Now()); err != nil {
		t.Fatalf("WithdrawSample: %v", err)
	}
	w := api.do(t, http.MethodPost, "/api/v1/samples/"+strconv.FormatInt(gone, 10)+"/submissions", tok, `{"skip":true}`)
	if w.Code != http.StatusGone {
		t.Fatalf("expected 410 for withdrawn sample, got %d", w.Code)
	}
}

func TestForceFinalizeRoute(t *testing.T) {
	api := newTestAPI(t)
	id := api.seedSample(t, "force")
	path := "/api/v1/samples/" + strconv.FormatInt(id, 10) + "/force-finalize"

	if w := api.do(t, http.MethodPost, path, token(t, 5, models.RoleAdmin), `{"labels":{}}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty override, got %d", w.Code)
	}
	w := api.do(t, http.MethodPost, path, token(t, 5, models.RoleAdmin), `{"labels":{"redness":0.7}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}

	w = api.do(t, http.MethodGet, "/api/v1/samples/"+strconv.FormatInt(id, 10)+"/consensus", token(t, 1, models.RoleViewer), "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"finalized_via":"force_finalize"`) {
		t.Fatalf("expected override to be visible, got %d %s", w.Code, w.Body.String())
	}
}

func TestArtifactQueryValidation(t *testing.T) {
	api := newTestAPI(t)
	tok := token(t, 1, models.RoleViewer)

	for _, q := range []string{"status=bogus", "since=yesterday", "limit=-1", "before_id=x"} {
		if w := api.do(t, http.MethodGet, "/api/v1/consensus-artifacts?"+q, tok, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestExports(t *testing.T) {
	api := newTestAPI(t)
	id := api.seedSample(t, "exp")
	path := "/api/v1/samples/" + strconv.FormatInt(id, 10) + "/submissions"

	api.do(t, http.MethodPost, path, token(t, 1, models.RoleLabeler), `{"labels":{"redness":0.4}}`)
	api.do(t, http.MethodPost, path, token(t, 2, models.RoleLabeler), `{"labels":{"redness":0.4}}`)

	admin := token(t, 9, models.RoleAdmin)
	w := api.do(t, http.MethodGet, "/api/v1/export/training.jsonl", admin, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], `"sample_weight":1`) {
		t.Fatalf("unexpected export: %s", w.Body.String())
	}

	w = api.do(t, http.MethodGet, "/api/v1/export/label_submissions.csv", admin, "")
	if w.Code != http.StatusOK || len(strings.Split(strings.TrimSpace(w.Body.String()), "\n")) != 3 {
		t.Fatalf("unexpected csv export: %d %s", w.Code, w.Body.String())
	}

	w = api.do(t, http.MethodPost, "/api/v1/reliability/run?min_samples=1", admin, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	var summary service.RunSummary
	if err := json.Unmarshal(w.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.Written != 2 {
		t.Fatalf("expected snapshots for both annotators, got %+v", summary)
	}

	w = api.do(t, http.MethodGet, "/api/v1/reliability/annotators/1", token(t, 1, models.RoleViewer), "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), summary.RunID) {
		t.Fatalf("expected snapshot series, got %d %s", w.Code, w.Body.String())
	}
}
