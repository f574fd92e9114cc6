package output

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/lorenzotomasdiez/stance-collapse/internal/analysis"
	"github.com/lorenzotomasdiez/stance-collapse/internal/deliberation"
	"github.com/lorenzotomasdiez/stance-collapse/internal/metrics"
	"github.com/lorenzotomasdiez/stance-collapse/internal/population"
)

func TestGenerateSlug(t *testing.T) {
	got := GenerateSlug("S1_TROLLEY C1_FULL!")
	want := "s1-trolley-c1-full"
	if got != want {
		t.Errorf("GenerateSlug() = %q, want %q", got, want)
	}
}

func TestGenerateSlugMaxLength(t *testing.T) {
	long := strings.Repeat("word ", 20) // 100 chars
	got := GenerateSlug(long)
	if len(got) > 50 {
		t.Errorf("GenerateSlug() length = %d, want <= 50", len(got))
	}
	if strings.HasSuffix(got, "-") {
		t.Errorf("GenerateSlug() = %q ends with a dash", got)
	}
}

func TestCreateOutputDir(t *testing.T) {
	base := t.TempDir()
	slug := SweepSlug("S1_TROLLEY", "C4_PURE_INFO")

	dir, err := CreateOutputDir(base, slug)
	if err != nil {
		t.Fatalf("CreateOutputDir() error = %v", err)
	}

	pattern := regexp.MustCompile(`^s1-trolley-c4-pure-info-\d{8}-\d{6}$`)
	if !pattern.MatchString(filepath.Base(dir)) {
		t.Errorf("dir base %q does not match expected pattern", filepath.Base(dir))
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("directory does not exist: %v", err)
	}
	if !info.IsDir() {
		t.Error("path is not a directory")
	}
}

func TestPrintRound(t *testing.T) {
	rec := deliberation.RoundRecord{
		Round:   3,
		Counts:  map[string]int{"B": 7, "A": 43},
		Entropy: 0.5842,
		Agents: []deliberation.AgentRound{
			{Record: population.ChangeRecord{Changed: true}},
			{Record: population.ChangeRecord{CarriedForward: true}},
			{},
		},
		Diagnostics: deliberation.RoundDiagnostics{Retries: 2},
	}
	var buf bytes.Buffer
	PrintRound(&buf, rec)
	out := buf.String()

	for _, want := range []string{"[Round 3]", "H=0.5842", "changed=1", "carried=1", "retries=2"} {
		if !strings.Contains(out, want) {
			t.Errorf("PrintRound output %q missing %q", out, want)
		}
	}
	if strings.Index(out, "A") > strings.Index(out, "B") {
		t.Errorf("labels not in order: %q", out)
	}
}

func TestPrintSummary(t *testing.T) {
	res := &deliberation.Result{
		RunID:    "run-1",
		Status:   deliberation.StatusCompleted,
		Settings: deliberation.Settings{Rounds: 10},
		Report: metrics.Report{
			Rounds:      10,
			Entropy:     []float64{0.5842, 0.1},
			Tau:         metrics.At(2),
			FinalCounts: map[string]int{"A": 49, "B": 1},
		},
	}
	var buf bytes.Buffer
	PrintSummary(&buf, res)
	out := buf.String()

	for _, want := range []string{"run-1", "completed", "10/10", "0.5842 -> 0.1000", "tau=2", "absolute=-", "100.0%", " 49"} {
		if !strings.Contains(out, want) {
			t.Errorf("PrintSummary output missing %q:\n%s", want, out)
		}
	}
}

func TestBar(t *testing.T) {
	if got := Bar(1); got != strings.Repeat("█", barWidth) {
		t.Errorf("Bar(1) = %q", got)
	}
	if got := Bar(0); got != strings.Repeat("░", barWidth) {
		t.Errorf("Bar(0) = %q", got)
	}
	if n := strings.Count(Bar(0.5), "█"); n != barWidth/2 {
		t.Errorf("Bar(0.5) has %d filled cells, want %d", n, barWidth/2)
	}
}

func TestPrintAnalysis(t *testing.T) {
	groups := []analysis.ConditionStats{{
		ScenarioID:   "S1_TROLLEY",
		ConditionID:  "C1_FULL",
		Runs:         3,
		Skipped:      1,
		H0:           analysis.Estimate{N: 3, Mean: 0.58},
		HFinal:       analysis.Estimate{N: 3, Mean: 0.1},
		Delta:        analysis.Estimate{N: 3, Mean: -0.48},
		Tau:          analysis.Estimate{N: 2, Mean: 2.5},
		CollapseRate: 2.0 / 3,
	}}
	var buf bytes.Buffer
	PrintAnalysis(&buf, groups, []string{"S1_TROLLEY: something"})
	out := buf.String()

	for _, want := range []string{"S1_TROLLEY", "C1_FULL", "-0.4800", "2.50", "67%", "1 incomplete runs skipped", "- S1_TROLLEY: something"} {
		if !strings.Contains(out, want) {
			t.Errorf("PrintAnalysis output missing %q:\n%s", want, out)
		}
	}
}
