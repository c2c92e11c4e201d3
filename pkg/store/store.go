// Package store provides persistence for ingested test runs, per-test
// results, and the commit chain.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/flakewatch/flakewatch/pkg/config"
	"github.com/flakewatch/flakewatch/pkg/testresult"
)

// uniqueJobExpr concatenates the identity columns into the opaque
// unique-job key: account,repo,origin,uniquejobname. Works on both
// SQLite and Postgres.
const uniqueJobExpr = "account || ',' || repo || ',' || origin || ',' || uniquejobname"

// Store provides persistence for runs, test results, and commits.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Test run ingestion and retrieval.
	StoreTestRun(
		ctx context.Context,
		meta map[string]string,
		findings []testresult.SingleTestFinding,
	) (uint, error)
	ListRuns(
		ctx context.Context, uniqueJob string, from, to int64,
	) ([]RunRef, error)
	UniqueJobs(ctx context.Context, repo string, from int64) ([]string, error)
	GetRunMeta(ctx context.Context, runID uint) (map[string]string, error)
	GetTestOutcomes(
		ctx context.Context, runID uint,
	) ([]testresult.SingleTestFinding, error)

	// Commit chain.
	StoreCommit(ctx context.Context, c *Commit) error
	CommitsAfter(
		ctx context.Context, repo, branch, hash string,
	) ([]Commit, error)
	CommitsBefore(
		ctx context.Context, repo, branch, hash string,
	) ([]Commit, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&TestRun{},
		&TestRunMeta{},
		&TestCaseResult{},
		&Commit{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// runTimeFromMeta picks the run timestamp out of the ingested metadata,
// preferring the trigger time over the start and finish times.
func runTimeFromMeta(meta map[string]string) (int64, error) {
	for _, key := range []string{
		"runtriggertime", "runstarttime", "runfinishtime",
	} {
		if v, ok := meta[key]; ok {
			var t int64
			if _, err := fmt.Sscanf(v, "%d", &t); err != nil {
				return 0, fmt.Errorf("parsing %s %q: %w", key, v, err)
			}

			return t, nil
		}
	}

	return 0, fmt.Errorf("metadata carries no run timestamp")
}

// StoreTestRun stores one run with all its metadata and per-test results
// in a single transaction, returning the new record ID.
func (s *store) StoreTestRun(
	ctx context.Context,
	meta map[string]string,
	findings []testresult.SingleTestFinding,
) (uint, error) {
	for _, required := range []string{
		MetaCheckRepo, MetaOrigin, MetaRunID, MetaUniqueJob,
	} {
		if meta[required] == "" {
			return 0, fmt.Errorf("metadata field %q is required", required)
		}
	}

	runTime, err := runTimeFromMeta(meta)
	if err != nil {
		return 0, err
	}

	run := TestRun{
		Time:          runTime,
		Repo:          meta[MetaCheckRepo],
		Origin:        meta[MetaOrigin],
		Account:       meta[MetaAccount],
		RunID:         meta[MetaRunID],
		UniqueJobName: meta[MetaUniqueJob],
		IngestTime:    time.Now().Unix(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&run).Error; err != nil {
			return fmt.Errorf("creating test run: %w", err)
		}

		metaRows := make([]TestRunMeta, 0, len(meta))
		for name, value := range meta {
			metaRows = append(metaRows, TestRunMeta{
				RunID: run.ID,
				Name:  name,
				Value: value,
			})
		}

		if err := tx.CreateInBatches(metaRows, 100).Error; err != nil {
			return fmt.Errorf("storing run metadata: %w", err)
		}

		resultRows := make([]TestCaseResult, 0, len(findings))
		for _, f := range findings {
			resultRows = append(resultRows, TestCaseResult{
				RunID:      run.ID,
				TestName:   f.Name,
				Result:     int(f.Result),
				Reason:     f.Reason,
				DurationUS: f.DurationUS,
			})
		}

		if err := tx.CreateInBatches(resultRows, 100).Error; err != nil {
			return fmt.Errorf("storing test results: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return run.ID, nil
}

// ListRuns returns the runs belonging to one unique job within the time
// window, sorted descending by timestamp (newest first).
func (s *store) ListRuns(
	ctx context.Context, uniqueJob string, from, to int64,
) ([]RunRef, error) {
	var refs []RunRef
	if err := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Select("id, time").
		Where(uniqueJobExpr+" = ? AND time >= ? AND time < ?",
			uniqueJob, from, to).
		Order("time DESC").
		Find(&refs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return refs, nil
}

// UniqueJobs returns the distinct unique-job keys seen for a repo since
// the given time, ordered by job identity before account so that report
// rows group by job even when several accounts run the same job.
func (s *store) UniqueJobs(
	ctx context.Context, repo string, from int64,
) ([]string, error) {
	var rows []struct {
		Account       string
		Repo          string
		Origin        string
		UniqueJobName string `gorm:"column:uniquejobname"`
	}

	if err := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Distinct("account", "repo", "origin", "uniquejobname").
		Where("repo = ? AND time >= ?", repo, from).
		Order("repo, origin, uniquejobname, account").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing unique jobs: %w", err)
	}

	jobs := make([]string, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, strings.Join([]string{
			row.Account, row.Repo, row.Origin, row.UniqueJobName,
		}, ","))
	}

	return jobs, nil
}

// GetRunMeta returns all metadata for a run as a key/value map.
func (s *store) GetRunMeta(
	ctx context.Context, runID uint,
) (map[string]string, error) {
	var rows []TestRunMeta
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("getting run metadata: %w", err)
	}

	meta := make(map[string]string, len(rows))
	for _, row := range rows {
		meta[row.Name] = row.Value
	}

	return meta, nil
}

// GetTestOutcomes returns the classified per-test outcomes for a run.
func (s *store) GetTestOutcomes(
	ctx context.Context, runID uint,
) ([]testresult.SingleTestFinding, error) {
	var rows []TestCaseResult
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("getting test outcomes: %w", err)
	}

	findings := make([]testresult.SingleTestFinding, 0, len(rows))
	for _, row := range rows {
		findings = append(findings, testresult.SingleTestFinding{
			Name:       row.TestName,
			Result:     testresult.FromCode(row.Result),
			Reason:     row.Reason,
			DurationUS: row.DurationUS,
		})
	}

	return findings, nil
}

// StoreCommit stores one commit-chain node, ignoring duplicates so that
// re-ingesting an overlapping chain segment is harmless.
func (s *store) StoreCommit(ctx context.Context, c *Commit) error {
	result := s.db.WithContext(ctx).
		Where("repo = ? AND branch = ? AND hash = ?",
			c.Repo, c.Branch, c.Hash).
		FirstOrCreate(c)
	if result.Error != nil {
		return fmt.Errorf("storing commit: %w", result.Error)
	}

	return nil
}

// loadBranch reads all commits for one repo/branch and indexes them by
// hash and by predecessor hash. The chain walks then happen in memory
// instead of one query per hop.
func (s *store) loadBranch(
	ctx context.Context, repo, branch string,
) (byHash, byPrev map[string]*Commit, err error) {
	var commits []Commit
	if err := s.db.WithContext(ctx).
		Where("repo = ? AND branch = ?", repo, branch).
		Find(&commits).Error; err != nil {
		return nil, nil, fmt.Errorf("loading branch commits: %w", err)
	}

	byHash = make(map[string]*Commit, len(commits))
	byPrev = make(map[string]*Commit, len(commits))

	for i := range commits {
		c := &commits[i]
		byHash[c.Hash] = c

		if c.PrevHash != "" {
			byPrev[c.PrevHash] = c
		}
	}

	return byHash, byPrev, nil
}

// CommitsAfter returns the chain of commits starting with the given one
// and ending at the newest known commit, ordered oldest to newest. If
// the commit is not known, the result is empty; the caller decides how
// to degrade.
func (s *store) CommitsAfter(
	ctx context.Context, repo, branch, hash string,
) ([]Commit, error) {
	byHash, byPrev, err := s.loadBranch(ctx, repo, branch)
	if err != nil {
		return nil, err
	}

	start, ok := byHash[hash]
	if !ok {
		s.log.WithField("commit", hash).
			Warn("Could not find commit in database")

		return nil, nil
	}

	chain := []Commit{*start}
	for cur := start; ; {
		next, ok := byPrev[cur.Hash]
		if !ok {
			break
		}

		chain = append(chain, *next)
		cur = next
	}

	return chain, nil
}

// CommitsBefore returns the chain of commits starting with the given one
// and walking toward the oldest known commit, ordered newest to oldest.
func (s *store) CommitsBefore(
	ctx context.Context, repo, branch, hash string,
) ([]Commit, error) {
	byHash, _, err := s.loadBranch(ctx, repo, branch)
	if err != nil {
		return nil, err
	}

	start, ok := byHash[hash]
	if !ok {
		s.log.WithField("commit", hash).
			Warn("Could not find commit in database")

		return nil, nil
	}

	chain := []Commit{*start}
	for cur := start; cur.PrevHash != ""; {
		prev, ok := byHash[cur.PrevHash]
		if !ok {
			break
		}

		chain = append(chain, *prev)
		cur = prev
	}

	return chain, nil
}
