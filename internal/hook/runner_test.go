package hook_test

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/patrykniedzwiecki/quickfix/internal/hook"
)

func TestRunner(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	runner := hook.NewRunner()
	cmd := hook.Command{
		Path:    sh,
		Args:    []string{"-c", `echo "$BUNDLE_NAME"; printf 'stderr\nstderr\n' 1>&2`},
		Env:     []string{"BUNDLE_NAME=com.example.app"},
		Timeout: 5 * time.Second,
	}

	var mx sync.Mutex
	var stderr []string
	handle := func(_ context.Context, line string) {
		mx.Lock()
		stderr = append(stderr, line)
		mx.Unlock()
	}

	res, err := runner.Run(t.Context(), "com.example.app/load", cmd, handle)
	require.NoError(t, err)
	require.Equal(t, "com.example.app\n", res.Stdout.String())
	require.Equal(t, []string{"stderr", "stderr"}, stderr)
	require.Zero(t, res.State.ExitCode())
	require.False(t, res.Stopped.Before(res.Started))
}

func TestRunner_Errors(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	runner := hook.NewRunner()

	t.Run("exit code", func(t *testing.T) {
		res, err := runner.Run(t.Context(), "exit", hook.Command{
			Path:    sh,
			Args:    []string{"-c", "exit 3"},
			Timeout: 5 * time.Second,
		}, nil)
		require.Error(t, err)
		var exitErr *exec.ExitError
		require.ErrorAs(t, err, &exitErr)
		require.Equal(t, 3, res.State.ExitCode())
	})

	t.Run("exec error", func(t *testing.T) {
		noCmd := hook.Command{
			Path: "does not exist",
		}
		_, err := runner.Run(t.Context(), "missing", noCmd, nil)
		require.Error(t, err)
		var execErr *exec.Error
		require.ErrorAs(t, err, &execErr)
		require.Equal(t, noCmd.Path, execErr.Name)
	})
}

func TestRunner_TimeoutAndInProgress(t *testing.T) {
	t.Parallel()
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skipf("skipped, binary sleep not available: %v", err)
	}
	runner := hook.NewRunner()
	cmd := hook.Command{
		Path:    sleep,
		Args:    []string{"10"},
		Timeout: 300 * time.Millisecond,
	}

	started := make(chan struct{})
	var wg sync.WaitGroup
	var res hook.Result
	var runErr error
	wg.Go(func() {
		close(started)
		res, runErr = runner.Run(t.Context(), "key", cmd, nil)
	})
	<-started

	require.Eventually(t, func() bool {
		return runner.Running("key")
	}, time.Second, time.Millisecond)
	_, err = runner.Run(t.Context(), "key", cmd, nil)
	require.ErrorIs(t, err, hook.ErrInProgress)

	wg.Wait()
	require.Error(t, runErr)
	require.GreaterOrEqual(t, res.Stopped.Sub(res.Started), 300*time.Millisecond)
	require.Less(t, res.Stopped.Sub(res.Started), 5*time.Second)
}
