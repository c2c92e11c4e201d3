package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flakewatch/flakewatch/pkg/store"
	"github.com/flakewatch/flakewatch/pkg/testresult"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Store normalized run and commit data from files",
}

var ingestRunsCmd = &cobra.Command{
	Use:   "runs [files...]",
	Short: "Store normalized parsed-log files",
	Long: `Store one or more normalized parsed-log files. Each file is a YAML
stream of documents carrying the run metadata and the classified
per-test findings.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngestRuns,
}

var ingestCommitsCmd = &cobra.Command{
	Use:   "commits [files...]",
	Short: "Store commit chain files",
	Long: `Store one or more commit chain files. Each file is a YAML list of
commits, each linked to its first parent by hash.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngestCommits,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.AddCommand(ingestRunsCmd)
	ingestCmd.AddCommand(ingestCommitsCmd)
}

// runDocument is one normalized parsed log: run metadata plus the
// classified per-test findings.
type runDocument struct {
	Meta  map[string]string              `yaml:"meta"`
	Tests []testresult.SingleTestFinding `yaml:"tests"`
}

// commitDocument is one commit chain node.
type commitDocument struct {
	Repo           string `yaml:"repo"`
	Branch         string `yaml:"branch"`
	Hash           string `yaml:"hash"`
	PrevHash       string `yaml:"prev_hash"`
	CommitTime     int64  `yaml:"commit_time"`
	CommitterName  string `yaml:"committer_name,omitempty"`
	CommitterEmail string `yaml:"committer_email,omitempty"`
	AuthorName     string `yaml:"author_name,omitempty"`
	AuthorEmail    string `yaml:"author_email,omitempty"`
	Title          string `yaml:"title,omitempty"`
}

// openStore loads the config and opens the store for an ingest command.
func openStore(cmd *cobra.Command) (store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(cmd.Context()); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	return st, nil
}

func runIngestRuns(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Closing store failed")
		}
	}()

	stored := 0

	for _, path := range args {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}

		dec := yaml.NewDecoder(f)

		for {
			var doc runDocument

			err := dec.Decode(&doc)
			if errors.Is(err, io.EOF) {
				break
			}

			if err != nil {
				f.Close()

				return fmt.Errorf("parsing %s: %w", path, err)
			}

			id, err := st.StoreTestRun(cmd.Context(), doc.Meta, doc.Tests)
			if err != nil {
				// Likely a re-ingested run hitting the identity index.
				log.WithError(err).
					WithField("file", path).
					Warn("Skipping run")

				continue
			}

			log.WithField("id", id).
				WithField("tests", len(doc.Tests)).
				Debug("Stored test run")

			stored++
		}

		f.Close()
	}

	log.WithField("runs", stored).Info("Ingestion complete")

	return nil
}

func runIngestCommits(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Closing store failed")
		}
	}()

	stored := 0

	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		var docs []commitDocument
		if err := yaml.Unmarshal(data, &docs); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}

		for _, doc := range docs {
			if doc.Repo == "" || doc.Branch == "" || doc.Hash == "" {
				return fmt.Errorf(
					"%s: commit entries need repo, branch, and hash", path)
			}

			commit := store.Commit{
				Repo:           doc.Repo,
				Branch:         doc.Branch,
				Hash:           doc.Hash,
				PrevHash:       doc.PrevHash,
				CommitTime:     doc.CommitTime,
				CommitterName:  doc.CommitterName,
				CommitterEmail: doc.CommitterEmail,
				AuthorName:     doc.AuthorName,
				AuthorEmail:    doc.AuthorEmail,
				Title:          doc.Title,
			}

			if err := st.StoreCommit(cmd.Context(), &commit); err != nil {
				return fmt.Errorf("storing commit %.9s: %w", doc.Hash, err)
			}

			stored++
		}
	}

	log.WithField("commits", stored).Info("Ingestion complete")

	return nil
}
