package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/flakewatch/flakewatch/pkg/analysis"
	"github.com/flakewatch/flakewatch/pkg/store"
	"github.com/flakewatch/flakewatch/pkg/testresult"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// repoParam extracts the required repo query parameter.
func repoParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	repo := r.URL.Query().Get("repo")
	if repo == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"repo query parameter is required"})

		return "", false
	}

	return repo, true
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListJobs returns the unique-job keys seen for a repo within the
// analysis window.
func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	repo, ok := repoParam(w, r)
	if !ok {
		return
	}

	from := time.Now().
		Add(-time.Duration(s.cfg.Analysis.AnalysisHours) * time.Hour).
		Unix()

	jobs, err := s.store.UniqueJobs(r.Context(), repo, from)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing jobs: " + err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"repo": repo,
		"jobs": jobs,
	})
}

// flakyEntry is one flaky test in the analysis response.
type flakyEntry struct {
	Name  string  `json:"name"`
	Ratio float64 `json:"ratio"`

	// RecentFailure links the most recent run in which the test failed.
	RecentFailure string `json:"recent_failure,omitempty"`
}

// permafailEntry is one permafailing test in the analysis response.
type permafailEntry struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// jobAnalysisResponse is the JSON shape of one analyzed unique job.
type jobAnalysisResponse struct {
	UniqueJob       string           `json:"uniquejob"`
	Runs            int              `json:"runs"`
	Flaky           []flakyEntry     `json:"flaky"`
	Permafails      []permafailEntry `json:"permafails"`
	IgnoredFailures bool             `json:"ignored_failures,omitempty"`
	LastAborted     bool             `json:"last_aborted,omitempty"`
	LatestFailure   string           `json:"latest_failure,omitempty"`
}

// handleAnalysis analyzes one unique job (?job=) or every unique job of
// a repo and returns the findings as JSON.
func (s *server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	repo, ok := repoParam(w, r)
	if !ok {
		return
	}

	from := time.Now().
		Add(-time.Duration(s.cfg.Analysis.AnalysisHours) * time.Hour).
		Unix()

	jobs := []string{r.URL.Query().Get("job")}
	if jobs[0] == "" {
		var err error

		jobs, err = s.store.UniqueJobs(r.Context(), repo, from)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"listing jobs: " + err.Error()})

			return
		}
	}

	responses := make([]jobAnalysisResponse, 0, len(jobs))

	for _, job := range jobs {
		ja, err := s.analyzer.Analyze(r.Context(), job)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"analyzing " + job + ": " + err.Error()})

			return
		}

		resp := jobAnalysisResponse{
			UniqueJob:       ja.UniqueJob,
			Runs:            len(ja.Runs),
			Flaky:           make([]flakyEntry, 0, len(ja.Flaky)),
			Permafails:      make([]permafailEntry, 0, len(ja.Permafails)),
			IgnoredFailures: ja.IgnoredFailures,
			LastAborted:     ja.LastAborted,
		}

		for _, flake := range ja.Flaky {
			resp.Flaky = append(resp.Flaky, flakyEntry{
				Name:          flake.Name,
				Ratio:         flake.Ratio,
				RecentFailure: analysis.RecentFailedLink(ja.Runs, flake.Name),
			})
		}

		for _, name := range ja.Permafails {
			resp.Permafails = append(resp.Permafails, permafailEntry{
				Name:    name,
				Message: ja.PermafailMessages[name],
			})
		}

		if len(ja.Permafails) > 0 && len(ja.Runs) > 0 {
			resp.LatestFailure = ja.Runs[0].URL
		}

		responses = append(responses, resp)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"generated": time.Now().Unix(),
		"repo":      repo,
		"analysis":  responses,
	})
}

// handleReport renders the HTML failure grid for a repo.
func (s *server) handleReport(w http.ResponseWriter, r *http.Request) {
	repo, ok := repoParam(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err := s.reports.HTMLReport(r.Context(), w, repo); err != nil {
		s.log.WithError(err).Error("Rendering HTML report failed")
	}
}

// ingestFinding is one per-test outcome in an ingest request.
type ingestFinding struct {
	Name       string `json:"name"`
	Result     string `json:"result"`
	Reason     string `json:"reason,omitempty"`
	DurationUS int64  `json:"duration_us,omitempty"`
}

// ingestRunRequest is a normalized parsed log: run metadata plus the
// classified per-test findings.
type ingestRunRequest struct {
	Meta  map[string]string `json:"meta"`
	Tests []ingestFinding   `json:"tests"`
}

// handleIngestRun stores one normalized run.
func (s *server) handleIngestRun(w http.ResponseWriter, r *http.Request) {
	var req ingestRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"decoding request: " + err.Error()})

		return
	}

	findings := make([]testresult.SingleTestFinding, 0, len(req.Tests))
	for _, t := range req.Tests {
		findings = append(findings, testresult.SingleTestFinding{
			Name:       t.Name,
			Result:     testresult.Parse(t.Result),
			Reason:     t.Reason,
			DurationUS: t.DurationUS,
		})
	}

	id, err := s.store.StoreTestRun(r.Context(), req.Meta, findings)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"storing run: " + err.Error()})

		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

// ingestCommit is one commit-chain node in an ingest request.
type ingestCommit struct {
	Repo           string `json:"repo"`
	Branch         string `json:"branch"`
	Hash           string `json:"hash"`
	PrevHash       string `json:"prev_hash"`
	CommitTime     int64  `json:"commit_time"`
	CommitterName  string `json:"committer_name,omitempty"`
	CommitterEmail string `json:"committer_email,omitempty"`
	AuthorName     string `json:"author_name,omitempty"`
	AuthorEmail    string `json:"author_email,omitempty"`
	Title          string `json:"title,omitempty"`
}

// handleIngestCommits stores a batch of commit-chain nodes.
func (s *server) handleIngestCommits(w http.ResponseWriter, r *http.Request) {
	var commits []ingestCommit
	if err := json.NewDecoder(r.Body).Decode(&commits); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"decoding request: " + err.Error()})

		return
	}

	for _, c := range commits {
		if c.Repo == "" || c.Branch == "" || c.Hash == "" {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"repo, branch, and hash are required"})

			return
		}

		commit := store.Commit{
			Repo:           c.Repo,
			Branch:         c.Branch,
			Hash:           c.Hash,
			PrevHash:       c.PrevHash,
			CommitTime:     c.CommitTime,
			CommitterName:  c.CommitterName,
			CommitterEmail: c.CommitterEmail,
			AuthorName:     c.AuthorName,
			AuthorEmail:    c.AuthorEmail,
			Title:          c.Title,
		}

		if err := s.store.StoreCommit(r.Context(), &commit); err != nil {
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"storing commit: " + err.Error()})

			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{"stored": len(commits)})
}
