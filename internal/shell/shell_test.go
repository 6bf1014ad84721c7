package shell

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arjunsk/kvlogdb/internal/engine"
)

func run(t *testing.T, e *engine.Engine, input string) string {
	t.Helper()
	var out bytes.Buffer
	err := Run(bytes.NewBufferString(input), &out, e)
	require.NoError(t, err)
	return out.String()
}

func openTest(t *testing.T, path string) *engine.Engine {
	t.Helper()
	e, err := engine.Open(path)
	require.NoError(t, err)
	return e
}

func TestScenarioBasic(t *testing.T) {
	e := openTest(t, filepath.Join(t.TempDir(), "kv.log"))
	defer e.Close()

	out := run(t, e, "SET a 10\nGET a\n")
	assert.Equal(t, "OK\n10\n", out)
}

func TestScenarioDeleteSemantics(t *testing.T) {
	e := openTest(t, filepath.Join(t.TempDir(), "kv.log"))
	defer e.Close()

	out := run(t, e, "SET a 1\nDEL a\nGET a\nDEL a\n")
	assert.Equal(t, "OK\n1\nnil\n0\n", out)
}

func TestScenarioTTLExpiry(t *testing.T) {
	e := openTest(t, filepath.Join(t.TempDir(), "kv.log"))
	defer e.Close()

	out := run(t, e, "SET t 42\nEXPIRE t 0\nGET t\nTTL t\n")
	assert.Equal(t, "OK\n1\nnil\n-2\n", out)
}

func TestScenarioTransactionCommitSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.log")

	e1 := openTest(t, path)
	out := run(t, e1, "BEGIN\nSET x 1\nSET y 2\nCOMMIT\n")
	assert.Equal(t, "OK\nOK\nOK\nOK\n", out)
	require.NoError(t, e1.Close())

	e2 := openTest(t, path)
	defer e2.Close()
	out = run(t, e2, "MGET x y\n")
	assert.Equal(t, "1\n2\n", out)
}

func TestScenarioTransactionAbortLeavesNoTrace(t *testing.T) {
	e := openTest(t, filepath.Join(t.TempDir(), "kv.log"))
	defer e.Close()

	out := run(t, e, "SET a 1\nBEGIN\nSET a 2\nABORT\nGET a\n")
	assert.Equal(t, "OK\nOK\nOK\nOK\n1\n", out)
}

func TestScenarioRange(t *testing.T) {
	e := openTest(t, filepath.Join(t.TempDir(), "kv.log"))
	defer e.Close()

	out := run(t, e, "MSET a 1 b 2 c 3 d 4 e 5\nRANGE b d\n")
	assert.Equal(t, "OK\nb\nc\nd\nEND\n", out)
}

func TestRangeOpenBoundsUseDash(t *testing.T) {
	e := openTest(t, filepath.Join(t.TempDir(), "kv.log"))
	defer e.Close()

	out := run(t, e, "MSET a 1 b 2\nRANGE - -\n")
	assert.Equal(t, "OK\na\nb\nEND\n", out)
}

func TestExistsDoesNotFetchValue(t *testing.T) {
	e := openTest(t, filepath.Join(t.TempDir(), "kv.log"))
	defer e.Close()

	out := run(t, e, "SET a 1\nEXISTS a\nEXISTS missing\nDEL a\nEXISTS a\n")
	assert.Equal(t, "OK\n1\n0\n1\n0\n", out)
}

func TestUnknownCommand(t *testing.T) {
	e := openTest(t, filepath.Join(t.TempDir(), "kv.log"))
	defer e.Close()

	out := run(t, e, "FROB x\n")
	assert.Equal(t, "ERR unknown\n", out)
}

func TestWrongArity(t *testing.T) {
	e := openTest(t, filepath.Join(t.TempDir(), "kv.log"))
	defer e.Close()

	out := run(t, e, "SET a\n")
	assert.Equal(t, "ERR arity\n", out)
}

func TestExpireNonIntegerMs(t *testing.T) {
	e := openTest(t, filepath.Join(t.TempDir(), "kv.log"))
	defer e.Close()

	out := run(t, e, "SET a 1\nEXPIRE a soon\n")
	assert.Equal(t, "OK\nERR notint\n", out)
}

func TestCommitWithoutBeginIsStateError(t *testing.T) {
	e := openTest(t, filepath.Join(t.TempDir(), "kv.log"))
	defer e.Close()

	out := run(t, e, "COMMIT\n")
	assert.Equal(t, "ERR notx\n", out)
}

func TestNestedBeginIsStateError(t *testing.T) {
	e := openTest(t, filepath.Join(t.TempDir(), "kv.log"))
	defer e.Close()

	out := run(t, e, "BEGIN\nBEGIN\n")
	assert.Equal(t, "OK\nERR nested\n", out)
}

func TestEOFWithOpenTransactionImplicitlyAborts(t *testing.T) {
	e := openTest(t, filepath.Join(t.TempDir(), "kv.log"))
	defer e.Close()

	out := run(t, e, "SET a 1\nBEGIN\nSET a 2\n")
	assert.Equal(t, "OK\nOK\nOK\n", out)
	assert.False(t, e.InTransaction())

	out = run(t, e, "GET a\n")
	assert.Equal(t, "1\n", out)
}

func TestStatsReportsKeyCount(t *testing.T) {
	e := openTest(t, filepath.Join(t.TempDir(), "kv.log"))
	defer e.Close()

	out := run(t, e, "SET a 1\nSET b 2\nSTATS\n")
	lines := strings.SplitN(strings.TrimRight(out, "\n"), "\n", 3)
	require.Len(t, lines, 3)
	assert.Equal(t, "OK", lines[0])
	assert.Equal(t, "OK", lines[1])
	assert.Regexp(t, `^keys=2 log_records=2 last_recovery_ms=\d+ commit_avg_us=\d+$`, lines[2])
}

func TestStatsReportsCommitAvgAfterBatch(t *testing.T) {
	e := openTest(t, filepath.Join(t.TempDir(), "kv.log"))
	defer e.Close()

	out := run(t, e, "MSET a 1 b 2\nSTATS\n")
	lines := strings.SplitN(strings.TrimRight(out, "\n"), "\n", 2)
	require.Len(t, lines, 2)
	assert.Equal(t, "OK", lines[0])
	assert.Regexp(t, `^keys=2 log_records=2 last_recovery_ms=\d+ commit_avg_us=\d+$`, lines[1])
}
