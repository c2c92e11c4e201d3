package report

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/flakewatch/flakewatch/pkg/analysis"
	"github.com/flakewatch/flakewatch/pkg/store"
)

// htmlPage is the view model for the HTML failure grid.
type htmlPage struct {
	Repo         string
	Generated    string
	AnalysisDays int
	OldDays      int
	DisabledDays int
	Jobs         []jobRow
}

// jobRow is one unique job: its display name, flaky/permafail badge,
// and one cell per run, most recent first.
type jobRow struct {
	Name       string
	Disabled   bool
	BadgeClass string
	BadgeText  string
	BadgeTitle string
	Cells      []runCell
}

// runCell is one run of a job in the grid.
type runCell struct {
	Class string
	Title string
	URL   string
	Label string
}

var gridTemplate = template.Must(template.New("grid").Parse(`<!DOCTYPE html>
<html><head><title>Test Job Failures</title>
<style type="text/css">
 /* test success/failure */
 .success    {background-color: limegreen;}
 .successold {background-color: yellowgreen;}
 .failure    {background-color: orangered;}
 .failureold {background-color: tomato;}
 .aborted    {background-color: yellow;}
 .unknown    {background-color: orange;}
 .jobfailure {background-color: orange;}
 .disabled   {background-color: silver;}

 td {padding: 0.3em;}
 .arrow {font-size: 200%;}

 .jobname {min-width: 30em; }
</style>
</head>
<body>
<h1>Test report for {{.Repo}}</h1>
Report generated {{.Generated}}
covering runs over the past {{.AnalysisDays}} days
<p>
Hover over cells for more information.
<br><span class="success">successful test run</span>
    <span class="successold" title="Older than {{.OldDays}} days">successful older test run</span>
<br><span class="failure">*failed test run</span>
    <span class="failureold" title="Older than {{.OldDays}} days">*failed older test run</span>
<br><span class="aborted" title="Test run did not complete">aborted test run</span>
<br><span class="unknown" title="Test results were inconclusive">unknown test run</span>
<br><span class="disabled" title="No results for {{.DisabledDays}} days">disabled job</span>

<table class="testtable"><tr>
<th title="configured test job name" class="jobname">Job Name</th>
<th title="test flakiness">Flake<span class="arrow">&nbsp;</span></th>
<th title="the most recent test run is on the left">
Older runs <span class="arrow">&rarr;</span></th></tr>
{{range .Jobs}}<tr>
<td class="jobname{{if .Disabled}} disabled{{end}}">{{.Name}}</td>
<td{{with .BadgeTitle}} title="{{.}}"{{end}}{{with .BadgeClass}} class="{{.}}"{{end}}>{{.BadgeText}}</td>
{{range .Cells}}<td class="{{.Class}}" title="{{.Title}}"><a href="{{.URL}}">{{.Label}}</a></td>
{{end}}</tr>
{{end}}</table>
</body></html>
`))

// HTMLReport writes the failure grid for a repo: one row per unique
// job, one colored cell per run.
func (g *Generator) HTMLReport(
	ctx context.Context, w io.Writer, repo string,
) error {
	results, err := g.analyzeRepo(ctx, repo)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	page := htmlPage{
		Repo:         repo,
		Generated:    now.Format("Mon, 02 Jan 2006 15:04:05 -0700"),
		AnalysisDays: g.cfg.Analysis.AnalysisHours / 24,
		OldDays:      g.cfg.Analysis.OldJobHours / 24,
		DisabledDays: g.cfg.Analysis.DisabledJobHours / 24,
	}

	oldCutoff := now.
		Add(-time.Duration(g.cfg.Analysis.OldJobHours) * time.Hour).Unix()
	disabledCutoff := now.
		Add(-time.Duration(g.cfg.Analysis.DisabledJobHours) * time.Hour).Unix()

	for _, ja := range results {
		if len(ja.Runs) == 0 {
			g.log.WithField("uniquejob", ja.UniqueJob).
				Info("Nothing to analyze")

			continue
		}

		row, err := g.buildJobRow(ctx, ja, oldCutoff, disabledCutoff)
		if err != nil {
			return err
		}

		page.Jobs = append(page.Jobs, row)
	}

	if err := gridTemplate.Execute(w, page); err != nil {
		return fmt.Errorf("rendering report: %w", err)
	}

	return nil
}

// buildJobRow builds the grid row for one analyzed job.
func (g *Generator) buildJobRow(
	ctx context.Context,
	ja *analysis.JobAnalysis,
	oldCutoff, disabledCutoff int64,
) (jobRow, error) {
	latest := ja.Runs[0]

	meta, err := g.store.GetRunMeta(ctx, latest.RunID)
	if err != nil {
		return jobRow{}, fmt.Errorf("loading job metadata: %w", err)
	}

	row := jobRow{
		Name:     jobDisplayName(meta),
		Disabled: latest.Time < disabledCutoff,
	}

	switch {
	case len(ja.Permafails) > 0 && latest.TestResult != "success":
		// Ignored failures in an overall-successful job are not worth
		// flagging in the grid.
		lines := []string{"These tests are now consistently failing:"}
		lines = append(lines, ja.Permafails...)

		row.BadgeTitle = strings.Join(lines, "\n")
		row.BadgeClass = "jobfailure"
		row.BadgeText = "permafail"
	case len(ja.Flaky) > 0:
		numBuilds := len(ja.Runs)
		if numBuilds > g.cfg.Analysis.FlakyBuildsMax {
			numBuilds = g.cfg.Analysis.FlakyBuildsMax
		}

		lines := []string{
			fmt.Sprintf("Over the past %d builds:", numBuilds),
		}
		for _, flake := range ja.Flaky {
			lines = append(lines, fmt.Sprintf(
				"Test %s fails %.1f%%", flake.Name, flake.Ratio*100,
			))
		}

		row.BadgeTitle = strings.Join(lines, "\n")
		row.BadgeClass = "jobfailure"
		row.BadgeText = "flaky"
	}

	for i := range ja.Runs {
		row.Cells = append(row.Cells,
			g.buildRunCell(ja.UniqueJob, &ja.Runs[i], oldCutoff))
	}

	return row, nil
}

// jobDisplayName builds the human-readable job name from run metadata.
func jobDisplayName(meta map[string]string) string {
	origin := meta[store.MetaOrigin]
	ciName := meta[store.MetaCIName]

	if strings.EqualFold(origin, ciName) {
		// Reduce duplication of information.
		origin = ""
	} else if origin != "" {
		origin = fmt.Sprintf("[%s] ", origin)
	}

	name := fmt.Sprintf("%s%s / %s", origin, ciName, meta[store.MetaCIJob])

	if format := meta[store.MetaTestFormat]; format != "" {
		name += fmt.Sprintf(" (%s)", format)
	}

	return name
}

// buildRunCell classifies one run into its grid cell: color class,
// displayed count, and hover details.
func (g *Generator) buildRunCell(
	uniqueJob string, run *analysis.JobRun, oldCutoff int64,
) runCell {
	title := fmt.Sprintf(
		"%s\nSuccess: %d, Failed: %d, Attempted: %d\nResult: %s",
		time.Unix(run.Time, 0).UTC().Format("Mon, 02 Jan 2006 15:04:05 -0700"),
		len(run.Succeeded), len(run.Failed), len(run.Attempted),
		run.TestResult,
	)

	var (
		class  string
		num    int
		prefix string
	)

	switch {
	case run.TestResult == "success":
		class = "success"
		num = len(run.Succeeded)
	case run.TestResult == "truncated" || run.Aborted:
		class = "aborted"

		if len(run.Failed) == 0 {
			num = len(run.Succeeded)
		} else {
			num = len(run.Failed)
			prefix = "*"
		}
	case run.TestResult == "failure":
		class = "failure"
		num = len(run.Failed)
		prefix = "*"
	case run.TestResult == "unknown":
		if len(run.Failed) == 0 {
			class = "success"
			num = len(run.Succeeded)
		} else {
			class = "unknown"
			num = len(run.Failed)
			prefix = "*"
		}
	default:
		g.log.WithField("uniquejob", uniqueJob).
			Error("Internal error determining job status")

		class = "failure"
		num = len(run.Failed)
		prefix = "*"
	}

	// Mark old runs in a different colour.
	if run.Time < oldCutoff {
		switch class {
		case "success":
			class = "successold"
		case "failure":
			class = "failureold"
		}
	}

	return runCell{
		Class: class,
		Title: title,
		URL:   run.URL,
		Label: fmt.Sprintf("%s%d", prefix, num),
	}
}
