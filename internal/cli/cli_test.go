package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cairn/internal/trace"
)

// execute runs the CLI end to end against a temp database and returns
// combined stdout.
func execute(t *testing.T, db string, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(append([]string{"--db", db}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// clearAmbient blanks the span propagation variables so tests are
// isolated from any wrapping environment.
func clearAmbient(t *testing.T) {
	t.Helper()
	t.Setenv(trace.EnvSessionID, "")
	t.Setenv(trace.EnvSpanSeq, "")
}

func testDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "cairn.db")
}

func TestNodeAddListStatus(t *testing.T) {
	clearAmbient(t)
	db := testDB(t)

	out, err := execute(t, db, nil, "node", "add", "--type", "goal", "--title", "Ship patch sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Created node 1 (goal)")

	out, err = execute(t, db, nil, "node", "add",
		"--type", "decision", "--title", "Use change-ids", "--confidence", "0.8")
	require.NoError(t, err)
	assert.Contains(t, out, "Created node 2 (decision)")

	out, err = execute(t, db, nil, "node", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Ship patch sync")
	assert.Contains(t, out, "Use change-ids")

	out, err = execute(t, db, nil, "node", "list", "--type", "goal")
	require.NoError(t, err)
	assert.Contains(t, out, "Ship patch sync")
	assert.NotContains(t, out, "Use change-ids")

	_, err = execute(t, db, nil, "node", "status", "1", "completed")
	require.NoError(t, err)
	out, err = execute(t, db, nil, "node", "list", "--type", "goal")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")

	_, err = execute(t, db, nil, "node", "status", "1", "done")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestNodeListJSON(t *testing.T) {
	clearAmbient(t)
	db := testDB(t)

	_, err := execute(t, db, nil, "node", "add", "--type", "action", "--title", "Write tests")
	require.NoError(t, err)

	out, err := execute(t, db, nil, "--format", "json", "node", "list")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestLinkCommand(t *testing.T) {
	clearAmbient(t)
	db := testDB(t)

	_, err := execute(t, db, nil, "node", "add", "--type", "goal", "--title", "a")
	require.NoError(t, err)
	_, err = execute(t, db, nil, "node", "add", "--type", "action", "--title", "b")
	require.NoError(t, err)

	out, err := execute(t, db, nil, "link", "1", "2", "--type", "leads_to")
	require.NoError(t, err)
	assert.Contains(t, out, "Linked 1 -[leads_to]-> 2")

	_, err = execute(t, db, nil, "link", "1", "2", "--type", "leads_to")
	require.Error(t, err, "same (from, to, type) triple is a duplicate")
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = execute(t, db, nil, "link", "1", "99", "--type", "leads_to")
	require.Error(t, err, "endpoints must exist")
}

func TestSpanCommands(t *testing.T) {
	clearAmbient(t)
	db := testDB(t)

	out, err := execute(t, db, nil, "start-span", "--session", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "{\"span_id\":1}\n", out)

	out, err = execute(t, db, nil, "start-span", "--session", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "{\"span_id\":2}\n", out)

	rec := `{"model":"sonnet","stop_reason":"end_turn","input_tokens":10,"output_tokens":20}`
	out, err = execute(t, db, strings.NewReader(rec),
		"record", "--session", "agent-1", "--span-id", "1", "--stdin")
	require.NoError(t, err)
	assert.Equal(t, "{\"span_id\":1}\n", out)

	out, err = execute(t, db, nil, "trace", "--session", "agent-1")
	require.NoError(t, err)
	assert.Contains(t, out, "[1] completed sonnet")
	assert.Contains(t, out, "[2] started")
	assert.Contains(t, out, "in=10 out=20")
}

func TestRecordRequiresStdinFlag(t *testing.T) {
	clearAmbient(t)
	db := testDB(t)

	_, err := execute(t, db, nil, "start-span", "--session", "s")
	require.NoError(t, err)

	_, err = execute(t, db, nil, "record", "--session", "s", "--span-id", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--stdin")
}

func TestStartSpanResumesAmbientSession(t *testing.T) {
	db := testDB(t)
	t.Setenv(trace.EnvSessionID, "outer-session")
	t.Setenv(trace.EnvSpanSeq, "")

	out, err := execute(t, db, nil, "start-span")
	require.NoError(t, err)
	assert.Equal(t, "{\"span_id\":1}\n", out)

	out, err = execute(t, db, nil, "trace", "--session", "outer-session")
	require.NoError(t, err)
	assert.Contains(t, out, "[1] started")
}

func TestNodeAddLinksAmbientSpan(t *testing.T) {
	db := testDB(t)

	_, err := execute(t, db, nil, "start-span", "--session", "agent-1")
	require.NoError(t, err)

	t.Setenv(trace.EnvSessionID, "agent-1")
	t.Setenv(trace.EnvSpanSeq, "1")

	out, err := execute(t, db, nil, "node", "add", "--type", "observation", "--title", "Saw a failure")
	require.NoError(t, err)
	assert.Contains(t, out, "span: agent-1/1")

	ledger, err := trace.Open(db)
	require.NoError(t, err)
	defer ledger.Close()
	span, err := ledger.GetSpan(context.Background(), "agent-1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), span.LinkedNodeID)
}

func TestNodeAddWithDanglingAmbientStillCreates(t *testing.T) {
	db := testDB(t)
	// Ambient points at a span that was never started.
	t.Setenv(trace.EnvSessionID, "ghost")
	t.Setenv(trace.EnvSpanSeq, "7")

	out, err := execute(t, db, nil, "node", "add", "--type", "goal", "--title", "still works")
	require.NoError(t, err, "a broken span link must never block the node")
	assert.Contains(t, out, "Created node 1")
	assert.NotContains(t, out, "span:")
}

func TestNodeAddLinksSessionToFirstGoal(t *testing.T) {
	db := testDB(t)

	_, err := execute(t, db, nil, "start-span", "--session", "agent-1")
	require.NoError(t, err)

	t.Setenv(trace.EnvSessionID, "agent-1")
	t.Setenv(trace.EnvSpanSeq, "1")

	// A non-goal node never claims the session.
	_, err = execute(t, db, nil, "node", "add", "--type", "observation", "--title", "looked around")
	require.NoError(t, err)

	_, err = execute(t, db, nil, "node", "add", "--type", "goal", "--title", "first goal")
	require.NoError(t, err)
	_, err = execute(t, db, nil, "node", "add", "--type", "goal", "--title", "second goal")
	require.NoError(t, err)

	ledger, err := trace.Open(db)
	require.NoError(t, err)
	defer ledger.Close()
	sess, err := ledger.GetSession(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sess.LinkedNodeID, "first goal claims the session, later goals do not")
}

func TestDiffExportApplyRoundTrip(t *testing.T) {
	clearAmbient(t)
	src := testDB(t)
	dst := testDB(t)
	patchFile := filepath.Join(t.TempDir(), "main.json")

	_, err := execute(t, src, nil, "--branch", "main", "node", "add", "--type", "goal", "--title", "Ship it")
	require.NoError(t, err)
	_, err = execute(t, src, nil, "--branch", "main", "node", "add", "--type", "action", "--title", "Build it")
	require.NoError(t, err)
	_, err = execute(t, src, nil, "link", "1", "2", "--type", "leads_to")
	require.NoError(t, err)

	out, err := execute(t, src, nil, "--branch", "main", "diff", "export", "-o", patchFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 2 node(s), 1 edge(s)")

	// Dry run reports the merge without writing.
	out, err = execute(t, dst, nil, "diff", "apply", "--dry-run", patchFile)
	require.NoError(t, err)
	assert.Contains(t, out, "(dry run)")
	assert.Contains(t, out, "nodes: 2 added")
	out, err = execute(t, dst, nil, "node", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "(no nodes)")

	out, err = execute(t, dst, nil, "diff", "apply", patchFile)
	require.NoError(t, err)
	assert.Contains(t, out, "nodes: 2 added, 0 skipped")
	assert.Contains(t, out, "edges: 1 added, 0 skipped")

	// Idempotent re-apply.
	out, err = execute(t, dst, nil, "diff", "apply", patchFile)
	require.NoError(t, err)
	assert.Contains(t, out, "nodes: 0 added, 2 skipped")
	assert.Contains(t, out, "edges: 0 added, 1 skipped")

	out, err = execute(t, dst, nil, "node", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Ship it")
	assert.Contains(t, out, "Build it")
}

func TestDiffExportByNodeSelection(t *testing.T) {
	clearAmbient(t)
	db := testDB(t)
	dir := t.TempDir()

	for _, title := range []string{"one", "two", "three"} {
		_, err := execute(t, db, nil, "node", "add", "--type", "goal", "--title", title)
		require.NoError(t, err)
	}

	out, err := execute(t, db, nil, "diff", "export", "--nodes", "1,3", "-o", filepath.Join(dir, "list.json"))
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 2 node(s)")

	out, err = execute(t, db, nil, "diff", "export", "--nodes", "1-3", "-o", filepath.Join(dir, "range.json"))
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 3 node(s)")

	_, err = execute(t, db, nil, "diff", "export", "--nodes", "x", "-o", filepath.Join(dir, "bad.json"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestDiffApplyRejectsInvalidPatch(t *testing.T) {
	clearAmbient(t)
	db := testDB(t)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, writeTestFile(bad, `{"version":1,"nodes":"nope"}`))

	_, err := execute(t, db, nil, "diff", "apply", bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestDiffStatus(t *testing.T) {
	clearAmbient(t)
	db := testDB(t)
	dir := t.TempDir()

	_, err := execute(t, db, nil, "node", "add", "--type", "goal", "--title", "a")
	require.NoError(t, err)
	_, err = execute(t, db, nil, "diff", "export", "--nodes", "1", "-o", filepath.Join(dir, "a.json"))
	require.NoError(t, err)
	_, err = execute(t, db, nil, "diff", "export", "--nodes", "1", "-o", filepath.Join(dir, "b.json"))
	require.NoError(t, err)

	_, err = execute(t, db, nil, "diff", "apply", filepath.Join(dir, "a.json"))
	require.NoError(t, err)

	out, err := execute(t, db, nil, "diff", "status", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "applied  a.json")
	assert.Contains(t, out, "pending  b.json")
}

func TestUnresolvedEdgeSurvivesCLIRoundTrip(t *testing.T) {
	clearAmbient(t)
	src := testDB(t)
	dst := testDB(t)
	dir := t.TempDir()

	_, err := execute(t, src, nil, "node", "add", "--type", "goal", "--title", "goal")
	require.NoError(t, err)
	_, err = execute(t, src, nil, "node", "add", "--type", "action", "--title", "act")
	require.NoError(t, err)
	_, err = execute(t, src, nil, "link", "2", "1", "--type", "requires")
	require.NoError(t, err)

	// Export only the edge's source node: the edge travels with a target
	// the receiver has never seen.
	partial := filepath.Join(dir, "partial.json")
	_, err = execute(t, src, nil, "diff", "export", "--nodes", "2", "-o", partial)
	require.NoError(t, err)

	out, err := execute(t, dst, nil, "diff", "apply", partial)
	require.NoError(t, err, "unresolved endpoint is a report entry, not a failure")
	assert.Contains(t, out, "unresolved:")

	// Once the target arrives, re-applying materializes the edge.
	rest := filepath.Join(dir, "rest.json")
	_, err = execute(t, src, nil, "diff", "export", "--nodes", "1", "-o", rest)
	require.NoError(t, err)
	_, err = execute(t, dst, nil, "diff", "apply", rest)
	require.NoError(t, err)
	out, err = execute(t, dst, nil, "diff", "apply", partial)
	require.NoError(t, err)
	assert.Contains(t, out, "edges: 1 added")
}

func TestDiffApplyDryRunOverlaysFiles(t *testing.T) {
	clearAmbient(t)
	src := testDB(t)
	dst := testDB(t)
	dir := t.TempDir()

	_, err := execute(t, src, nil, "node", "add", "--type", "goal", "--title", "goal")
	require.NoError(t, err)
	_, err = execute(t, src, nil, "node", "add", "--type", "action", "--title", "act")
	require.NoError(t, err)
	_, err = execute(t, src, nil, "link", "2", "1", "--type", "requires")
	require.NoError(t, err)

	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.json")
	_, err = execute(t, src, nil, "diff", "export", "--nodes", "1", "-o", a)
	require.NoError(t, err)
	_, err = execute(t, src, nil, "diff", "export", "--nodes", "2", "-o", b)
	require.NoError(t, err)

	// The edge in b.json targets a node that only a.json carries. The dry
	// run sees both files in one transaction, so nothing is unresolved.
	out, err := execute(t, dst, nil, "diff", "apply", "--dry-run", a, b)
	require.NoError(t, err)
	assert.Contains(t, out, "edges: 1 added")
	assert.NotContains(t, out, "unresolved:")

	// And nothing was written.
	out, err = execute(t, dst, nil, "node", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "(no nodes)")

	// The real apply in the same order matches the prediction.
	out, err = execute(t, dst, nil, "diff", "apply", a, b)
	require.NoError(t, err)
	assert.Contains(t, out, "edges: 1 added")
	assert.NotContains(t, out, "unresolved:")
}

func TestLogRecordsMutationsAndFailedApplies(t *testing.T) {
	clearAmbient(t)
	db := testDB(t)

	_, err := execute(t, db, nil, "node", "add", "--type", "goal", "--title", "audited")
	require.NoError(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, writeTestFile(bad, `{"version":1,"nodes":"nope"}`))
	_, err = execute(t, db, nil, "diff", "apply", bad)
	require.Error(t, err)

	out, err := execute(t, db, nil, "log")
	require.NoError(t, err)
	assert.Contains(t, out, `create_node goal "audited"`)
	assert.Contains(t, out, "apply_patch bad.json")
	assert.Contains(t, out, "error:")
}

func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
