package store

// Metadata keys the analysis layer relies on. Ingestion may store any
// number of additional provider-specific keys alongside these.
const (
	MetaCheckRepo   = "checkrepo"
	MetaOrigin      = "origin"
	MetaAccount     = "account"
	MetaRunID       = "runid"
	MetaUniqueJob   = "uniquejobname"
	MetaURL         = "url"
	MetaCommit      = "commit"
	MetaTestResult  = "testresult"
	MetaPullRequest = "pullrequest"
	MetaCIResult    = "ciresult"
	MetaCIStep      = "cistepresult"
	MetaCIName      = "ciname"
	MetaCIJob       = "cijob"
	MetaTestFormat  = "testformat"
)

// TestRun is one ingested execution of a logical CI job.
type TestRun struct {
	ID            uint   `gorm:"primaryKey"`
	Time          int64  `gorm:"not null;index"`
	Repo          string `gorm:"not null;uniqueIndex:idx_testruns_identity"`
	Origin        string `gorm:"not null;uniqueIndex:idx_testruns_identity"`
	Account       string `gorm:"uniqueIndex:idx_testruns_identity"`
	RunID         string `gorm:"not null;uniqueIndex:idx_testruns_identity"`
	// The column name is pinned because uniqueJobExpr references it in
	// raw SQL.
	UniqueJobName string `gorm:"column:uniquejobname;not null;uniqueIndex:idx_testruns_identity"`
	IngestTime    int64
}

// TestRunMeta is one key/value metadata item attached to a test run.
type TestRunMeta struct {
	ID    uint   `gorm:"primaryKey"`
	RunID uint   `gorm:"not null;index:idx_testrunmeta_run_name"`
	Name  string `gorm:"not null;index:idx_testrunmeta_run_name"`
	Value string
}

// TestCaseResult is the stored outcome of a single test in a single run.
type TestCaseResult struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      uint   `gorm:"not null;index"`
	TestName   string `gorm:"not null"`
	Result     int    `gorm:"not null"`
	Reason     string
	DurationUS int64
}

// Commit is one node in the singly-linked commit chain of a branch.
// Following PrevHash repeatedly from any commit must reach the oldest
// ingested commit without gaps for bisection to be exact.
type Commit struct {
	ID             uint   `gorm:"primaryKey"`
	Hash           string `gorm:"not null;uniqueIndex:idx_commits_identity"`
	PrevHash       string `gorm:"index"`
	Repo           string `gorm:"not null;uniqueIndex:idx_commits_identity"`
	Branch         string `gorm:"not null;uniqueIndex:idx_commits_identity"`
	CommitTime     int64
	CommitterName  string
	CommitterEmail string
	AuthorName     string
	AuthorEmail    string
	Title          string
}

// RunRef identifies one stored run and its timestamp within a unique-job
// time series.
type RunRef struct {
	ID   uint
	Time int64
}
