package pdfrender_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/pdf-to-tiff-service/internal/pdfrender"
)

func TestTool_TimeoutKillsProcess(t *testing.T) {
	t.Parallel()

	sleepPath, lookErr := exec.LookPath("sleep")
	if lookErr != nil {
		t.Skip("sleep is not available")
	}

	tool := pdfrender.NewTool("sleep", sleepPath, 50*time.Millisecond, nil)

	started := time.Now()
	_, err := tool.Run(context.Background(), "10")
	require.ErrorIs(t, err, pdfrender.ErrTimeout)
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Equal(t, pdfrender.KindTimeout, pdfrender.KindOf(err))
}

func TestTool_NonZeroExitIsToolFailure(t *testing.T) {
	t.Parallel()

	shPath, lookErr := exec.LookPath("sh")
	if lookErr != nil {
		t.Skip("sh is not available")
	}

	tool := pdfrender.NewTool("sh", shPath, 5*time.Second, nil)

	result, err := tool.Run(context.Background(), "-c", "echo out; echo broken >&2; exit 4")
	require.ErrorIs(t, err, pdfrender.ErrToolFailed)
	assert.Equal(t, 4, result.ExitCode)
	assert.Equal(t, "out\n", string(result.Stdout))

	var toolErr *pdfrender.ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "broken", toolErr.Stderr)
}

func TestTool_MissingExecutableIsUnavailable(t *testing.T) {
	t.Parallel()

	tool := pdfrender.NewTool("ghostscript", filepath.Join(t.TempDir(), "no-such-gs"), time.Second, nil)

	_, err := tool.Run(context.Background(), "-v")
	require.ErrorIs(t, err, pdfrender.ErrToolUnavailable)
	assert.Equal(t, pdfrender.KindToolUnavailable, pdfrender.KindOf(err))
}

func TestTool_CallerCancellationIsNotATimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tool := pdfrender.NewTool("ghostscript", testGhostscript, time.Second, blockingExec{})

	_, err := tool.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, pdfrender.ErrTimeout)
}

func TestWorkspace(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "tmp")

	workspace, err := pdfrender.NewWorkspace(root, "req-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(workspace.Dir), "job-req-1-"))

	written, err := workspace.WriteInput(strings.NewReader("%PDF-1.4"), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(8), written)
	assert.FileExists(t, workspace.InputPath())

	_, err = workspace.WriteInput(strings.NewReader("again"), 100)
	require.Error(t, err, "the input is written once")

	require.NoError(t, workspace.Close())
	assert.NoDirExists(t, workspace.Dir)

	_, err = pdfrender.NewWorkspace("", "req-2")
	require.ErrorIs(t, err, pdfrender.ErrWorkspaceRootRequired)
}

func TestWorkspace_WriteInputStopsPastLimit(t *testing.T) {
	t.Parallel()

	workspace, err := pdfrender.NewWorkspace(t.TempDir(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = workspace.Close() })

	written, err := workspace.WriteInput(strings.NewReader(strings.Repeat("x", 1000)), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(11), written)

	info, err := os.Stat(workspace.InputPath())
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.Size())
}

func TestDiscoverPDFs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.pdf"), []byte(""), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.PDF"), []byte(""), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.txt"), []byte(""), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "d.pdf"), 0o750))

	files, err := pdfrender.DiscoverPDFs(dir)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	_, err = pdfrender.DiscoverPDFs(filepath.Join(dir, "missing"))
	require.Error(t, err)
}
