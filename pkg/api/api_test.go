package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/flakewatch/flakewatch/pkg/analysis"
	"github.com/flakewatch/flakewatch/pkg/config"
	"github.com/flakewatch/flakewatch/pkg/report"
	"github.com/flakewatch/flakewatch/pkg/store"
)

const testRepo = "https://example.com/example/project"

func testServer(t *testing.T) (*server, http.Handler) {
	t.Helper()

	cfg := config.Default()
	cfg.Database = config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &cfg.Database)
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() { _ = st.Stop() })

	s := &server{
		log:      log,
		cfg:      cfg,
		store:    st,
		analyzer: analysis.NewAnalyzer(log, cfg, st),
		reports:  report.NewGenerator(log, cfg, st),
	}

	return s, s.buildRouter()
}

// seedRun stores one run of the fixed unique job, timestamped just
// inside the analysis window ending now.
func seedRun(t *testing.T, st store.Store, runID string) {
	t.Helper()

	runTime := fmt.Sprintf("%d", time.Now().Unix()-60)

	_, err := st.StoreTestRun(context.Background(), map[string]string{
		store.MetaCheckRepo:  testRepo,
		store.MetaOrigin:     "gha",
		store.MetaAccount:    "acct",
		store.MetaRunID:      runID,
		store.MetaUniqueJob:  "linux-gcc",
		store.MetaTestResult: "success",
		"runtriggertime":     runTime,
	}, nil)
	require.NoError(t, err)
}

func TestHandleHealth(t *testing.T) {
	_, router := testServer(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleListJobs_RequiresRepo(t *testing.T) {
	_, router := testServer(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/jobs", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListJobs(t *testing.T) {
	s, router := testServer(t)
	seedRun(t, s.store, "1")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET",
		"/api/v1/jobs?repo="+testRepo, nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Repo string   `json:"repo"`
		Jobs []string `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, testRepo, resp.Repo)
	assert.Equal(t, []string{"acct," + testRepo + ",gha,linux-gcc"}, resp.Jobs)
}

func TestHandleAnalysis(t *testing.T) {
	s, router := testServer(t)
	seedRun(t, s.store, "1")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET",
		"/api/v1/analysis?repo="+testRepo, nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Repo     string                `json:"repo"`
		Analysis []jobAnalysisResponse `json:"analysis"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.Len(t, resp.Analysis, 1)
	assert.Equal(t, "acct,"+testRepo+",gha,linux-gcc",
		resp.Analysis[0].UniqueJob)
	assert.Equal(t, 1, resp.Analysis[0].Runs)
}

func TestHandleReport(t *testing.T) {
	s, router := testServer(t)
	seedRun(t, s.store, "1")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET",
		"/api/v1/report?repo="+testRepo, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Test report for "+testRepo)
}

func TestRateLimit_PerClientBudget(t *testing.T) {
	s, _ := testServer(t)
	s.cfg.Server.RateLimit.Enabled = true
	s.cfg.Server.RateLimit.RequestsPerMinute = 2
	router := s.buildRouter()

	get := func(remoteAddr, xff string) int {
		req := httptest.NewRequest("GET", "/api/v1/health", nil)
		req.RemoteAddr = remoteAddr

		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		return rec.Code
	}

	// Health sits outside the rate-limited group.
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, get("10.0.0.1:1234", ""))
	}

	limited := func(remoteAddr, xff string) int {
		req := httptest.NewRequest("GET",
			"/api/v1/jobs?repo="+testRepo, nil)
		req.RemoteAddr = remoteAddr

		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		return rec.Code
	}

	// The per-minute budget allows a burst of two, then rejects.
	require.Equal(t, http.StatusOK, limited("10.0.0.1:1234", ""))
	require.Equal(t, http.StatusOK, limited("10.0.0.1:1234", ""))
	assert.Equal(t, http.StatusTooManyRequests, limited("10.0.0.1:1234", ""))

	// The proxy header identifies the same client regardless of the
	// connection's remote address.
	assert.Equal(t, http.StatusTooManyRequests,
		limited("10.0.0.9:9999", "10.0.0.1, 192.168.0.1"))

	// A different client has its own budget.
	assert.Equal(t, http.StatusOK, limited("10.0.0.2:1234", ""))
}

func TestIngest_DisabledWithoutTokenHash(t *testing.T) {
	_, router := testServer(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST",
		"/api/v1/ingest/run", strings.NewReader("{}")))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIngestRun(t *testing.T) {
	s, router := testServer(t)

	hash, err := bcrypt.GenerateFromPassword(
		[]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	s.cfg.Server.IngestTokenHash = string(hash)

	body := `{
		"meta": {
			"checkrepo": "` + testRepo + `",
			"origin": "gha",
			"account": "acct",
			"runid": "1",
			"uniquejobname": "linux-gcc",
			"runtriggertime": "1000"
		},
		"tests": [
			{"name": "test1", "result": "pass"},
			{"name": "test2", "result": "fail", "reason": "boom"}
		]
	}`

	// Missing token.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST",
		"/api/v1/ingest/run", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong token.
	req := httptest.NewRequest("POST",
		"/api/v1/ingest/run", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token.
	req = httptest.NewRequest("POST",
		"/api/v1/ingest/run", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	refs, err := s.store.ListRuns(context.Background(),
		"acct,"+testRepo+",gha,linux-gcc", 0, 10000)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	outcomes, err := s.store.GetTestOutcomes(
		context.Background(), refs[0].ID)
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)
}

func TestIngestCommits(t *testing.T) {
	s, router := testServer(t)

	hash, err := bcrypt.GenerateFromPassword(
		[]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	s.cfg.Server.IngestTokenHash = string(hash)

	body := `[
		{"repo": "` + testRepo + `", "branch": "master",
		 "hash": "aaaa", "prev_hash": "", "commit_time": 1000},
		{"repo": "` + testRepo + `", "branch": "master",
		 "hash": "bbbb", "prev_hash": "aaaa", "commit_time": 1001}
	]`

	req := httptest.NewRequest("POST",
		"/api/v1/ingest/commits", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	chain, err := s.store.CommitsAfter(
		context.Background(), testRepo, "master", "aaaa")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "bbbb", chain[1].Hash)
}

func TestIngestCommits_RejectsIncomplete(t *testing.T) {
	s, router := testServer(t)

	hash, err := bcrypt.GenerateFromPassword(
		[]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	s.cfg.Server.IngestTokenHash = string(hash)

	req := httptest.NewRequest("POST",
		"/api/v1/ingest/commits",
		strings.NewReader(`[{"repo": "r", "branch": "", "hash": "aaaa"}]`))
	req.Header.Set("Authorization", "Bearer secret")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
