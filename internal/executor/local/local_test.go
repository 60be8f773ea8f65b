package local

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/forge/internal/executor"
)

func newExecutor() *Executor {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunCapturesStdout(t *testing.T) {
	res, err := newExecutor().Run(context.Background(), executor.Command{
		Name: "/bin/sh",
		Args: []string{"-c", "echo hello"},
	})

	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	res, err := newExecutor().Run(context.Background(), executor.Command{
		Name: "/bin/sh",
		Args: []string{"-c", "echo oops >&2; exit 3"},
	})

	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestRunPassesEnvironment(t *testing.T) {
	res, err := newExecutor().Run(context.Background(), executor.Command{
		Name: "/bin/sh",
		Args: []string{"-c", "echo $FORGE_TEST_VALUE"},
		Env:  []string{"FORGE_TEST_VALUE=42"},
	})

	require.NoError(t, err)
	assert.Equal(t, "42\n", res.Stdout)
}

func TestRunUsesWorkingDirectory(t *testing.T) {
	dir := t.TempDir()

	res, err := newExecutor().Run(context.Background(), executor.Command{
		Name: "pwd",
		Dir:  dir,
	})

	require.NoError(t, err)
	// macOS tempdirs resolve through /private, so compare suffixes.
	assert.True(t, strings.HasSuffix(strings.TrimSpace(res.Stdout), strings.TrimPrefix(dir, "/private")))
}

func TestRunStreamsStdin(t *testing.T) {
	res, err := newExecutor().Run(context.Background(), executor.Command{
		Name:  "cat",
		Stdin: strings.NewReader("piped"),
	})

	require.NoError(t, err)
	assert.Equal(t, "piped", res.Stdout)
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	start := time.Now()
	_, err := newExecutor().Run(context.Background(), executor.Command{
		Name:    "sleep",
		Args:    []string{"10"},
		Timeout: 100 * time.Millisecond,
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var terr *executor.TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "sleep", terr.Command)
	assert.Equal(t, 100*time.Millisecond, terr.Timeout)

	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancelFn := context.WithCancel(context.Background())
	cancelFn()

	_, err := newExecutor().Run(ctx, executor.Command{Name: "sleep", Args: []string{"10"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunUnknownCommand(t *testing.T) {
	_, err := newExecutor().Run(context.Background(), executor.Command{
		Name: "definitely-not-a-real-binary-xyz",
	})
	assert.Error(t, err)
}
