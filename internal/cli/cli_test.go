package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/cj/internal/faults"
)

func testCmd(stdin string) (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{}
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetIn(strings.NewReader(stdin))
	return cmd, out
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunSanitizeFromStdin(t *testing.T) {
	sanitizeMarkers, sanitizeFormat = "", "text"
	cmd, out := testCmd("Thought: look it up\nFinal Answer: Tickets are down 8% this week.\n")

	if err := runSanitize(cmd, nil); err != nil {
		t.Fatalf("runSanitize() error = %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "Tickets are down 8% this week." {
		t.Fatalf("output = %q", got)
	}
}

func TestRunSanitizeReportsFormatLeak(t *testing.T) {
	sanitizeMarkers, sanitizeFormat = "", "json"
	defer func() { sanitizeFormat = "text" }()
	cmd, out := testCmd("Thought: nothing to say\nAction: search_tickets")

	err := runSanitize(cmd, nil)
	var leak *faults.FormatLeakError
	if !errors.As(err, &leak) {
		t.Fatalf("runSanitize() error = %v, want FormatLeakError", err)
	}
	var got map[string]any
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got["format_leak"] != true {
		t.Fatalf("format_leak = %v, want true", got["format_leak"])
	}
}

func TestRunClassify(t *testing.T) {
	classifyPolicy, classifyVersion, classifyFormat = "", "", "json"
	defer func() { classifyFormat = "text" }()
	cmd, out := testCmd("")

	if err := runClassify(cmd, []string{"search_tickets", "get_mrr", "mystery_tool"}); err != nil {
		t.Fatalf("runClassify() error = %v", err)
	}
	var got struct {
		Decisions []struct {
			Tag     string `json:"tag"`
			Outcome string `json:"outcome"`
			Message string `json:"boundary_message"`
		} `json:"decisions"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(got.Decisions) != 3 {
		t.Fatalf("decisions = %d, want 3", len(got.Decisions))
	}
	want := []string{"allowed", "forbidden", "unknown"}
	for i, d := range got.Decisions {
		if d.Outcome != want[i] {
			t.Fatalf("decision[%d] outcome = %q, want %q", i, d.Outcome, want[i])
		}
	}
	if got.Decisions[0].Message != "" || got.Decisions[1].Message == "" {
		t.Fatalf("boundary messages = %+v", got.Decisions)
	}
}

func TestRunClassifyUnknownVersion(t *testing.T) {
	classifyPolicy, classifyVersion, classifyFormat = "", "v0.0.1", "text"
	defer func() { classifyVersion = "" }()
	cmd, _ := testCmd("")

	if err := runClassify(cmd, []string{"get_mrr"}); !faults.IsConfigError(err) {
		t.Fatalf("runClassify() error = %v, want ConfigError", err)
	}
}

func TestRunVerify(t *testing.T) {
	verifyUniverse = writeFile(t, "universe.yaml", "version: demo-1\nmetrics:\n  mrr: 48000\n")
	verifyReply = "Your MRR is $75,000."
	verifyMinor, verifyMajor, verifyTimeout = 0, 0, 5*time.Second
	defer func() { verifyReply = "" }()
	cmd, out := testCmd("")

	if err := runVerify(cmd, nil); err != nil {
		t.Fatalf("runVerify() error = %v", err)
	}
	var rep struct {
		Status string `json:"status"`
		Issues []struct {
			Severity string `json:"severity"`
		} `json:"issues"`
	}
	if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if rep.Status != "resolved" || len(rep.Issues) != 1 || rep.Issues[0].Severity != "major" {
		t.Fatalf("report = %+v, want one major issue", rep)
	}
}

func TestRunPolicyCheck(t *testing.T) {
	good := writeFile(t, "good.yaml", `policies:
  v5.0.0:
    allowed_categories: [tickets]
    forbidden_categories: [revenue]
    boundary_messages:
      revenue: "I can't see revenue, but I can look at your tickets."
    tool_categories:
      search_tickets: tickets
      get_mrr: revenue
`)
	bad := writeFile(t, "bad.yaml", "policies: [")
	cmd, out := testCmd("")

	if err := runPolicyCheck(cmd, []string{good}); err != nil {
		t.Fatalf("runPolicyCheck(good) error = %v\n%s", err, out.String())
	}
	if !strings.HasPrefix(out.String(), "ok") {
		t.Fatalf("output = %q, want ok line", out.String())
	}

	out.Reset()
	if err := runPolicyCheck(cmd, []string{good, bad}); err == nil {
		t.Fatal("runPolicyCheck(bad) error = nil, want error")
	}
	if !strings.Contains(out.String(), "FAIL "+bad) {
		t.Fatalf("output = %q, want FAIL line", out.String())
	}
}
