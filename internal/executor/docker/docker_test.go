package docker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslatePathMapsProjectRootPaths(t *testing.T) {
	e := &Executor{hostRoot: "/home/ci/project", containerRoot: "/workspace"}

	assert.Equal(t, "/workspace", e.TranslatePath("/home/ci/project"))
	assert.Equal(t, "/workspace/cmd/app", e.TranslatePath("/home/ci/project/cmd/app"))
}

func TestTranslatePathLeavesOutsidePathsAlone(t *testing.T) {
	e := &Executor{hostRoot: "/home/ci/project", containerRoot: "/workspace"}

	assert.Equal(t, "/tmp/forge-build-1", e.TranslatePath("/tmp/forge-build-1"))
	assert.Equal(t, "/home/ci/other", e.TranslatePath("/home/ci/other"))
}

func TestDrainExecStopsCopierBeforeReturning(t *testing.T) {
	ctx, cancelFn := context.WithCancel(context.Background())
	cancelFn()

	// The copier only finishes once the stream is closed, like
	// stdcopy.StdCopy blocked on a live attach connection.
	copyDone := make(chan error, 1)
	var copierStopped atomic.Bool
	closeStream := func() {
		go func() {
			copierStopped.Store(true)
			copyDone <- nil
		}()
	}

	err := drainExec(ctx, closeStream, copyDone)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, copierStopped.Load(), "output buffers must not be read while the copier still writes")
}

func TestDrainExecReturnsCopierError(t *testing.T) {
	copyDone := make(chan error, 1)
	copyDone <- errors.New("stream reset")

	err := drainExec(context.Background(), func() {
		t.Fatal("stream closed even though the copier finished on its own")
	}, copyDone)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream reset")
}
