package main

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// captureStdout runs fn with os.Stdout redirected to a pipe and returns
// everything fn printed.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	require.NoError(t, w.Close())
	var buf bytes.Buffer
	_, err = io.Copy(&buf, r)
	require.NoError(t, err)
	return buf.String()
}

func TestRunCreateAndOpen(t *testing.T) {
	dir := t.TempDir() + "/repo"
	logger := testLogger()

	runCreate(logger, dir, 7, 1000)

	out := captureStdout(t, func() { runOpen(logger, dir) })
	assert.Contains(t, out, "youngest-rev: 0")
	assert.Contains(t, out, "format: 7")
}

func TestRunYoungestOnFreshRepository(t *testing.T) {
	dir := t.TempDir() + "/repo"
	logger := testLogger()
	runCreate(logger, dir, 7, 0)

	out := captureStdout(t, func() { runYoungest(logger, dir) })
	assert.Equal(t, "0\n", out)
}

func TestRunVerifyAndPackSucceed(t *testing.T) {
	dir := t.TempDir() + "/repo"
	logger := testLogger()
	runCreate(logger, dir, 7, 1)

	// verify/pack must not exit the test process on a freshly created,
	// single-revision repository.
	runVerify(logger, dir, 0, 0)
	runPack(logger, dir, 0)
}

func TestRunLockAndUnlock(t *testing.T) {
	dir := t.TempDir() + "/repo"
	logger := testLogger()
	runCreate(logger, dir, 7, 0)

	out := captureStdout(t, func() { runLock(logger, dir, "/trunk/file.txt", "alice", "testing", false) })
	assert.Contains(t, out, "locked /trunk/file.txt")

	runUnlock(logger, dir, "/trunk/file.txt")
}

func TestRunHotcopy(t *testing.T) {
	src := t.TempDir() + "/repo"
	dst := t.TempDir() + "/copy"
	logger := testLogger()
	runCreate(logger, src, 7, 0)

	runHotcopy(logger, src, dst)

	out := captureStdout(t, func() { runYoungest(logger, dst) })
	assert.Equal(t, "0\n", out)
}

func TestRunDumpRevpropsEmpty(t *testing.T) {
	dir := t.TempDir() + "/repo"
	logger := testLogger()
	runCreate(logger, dir, 7, 0)

	out := captureStdout(t, func() { runDumpRevprops(logger, dir, 0) })
	assert.Empty(t, out)
}
