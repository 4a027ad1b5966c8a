//go:build unix

package procmgr_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/patrykniedzwiecki/quickfix/internal/model"
	"github.com/patrykniedzwiecki/quickfix/internal/procmgr"
)

type fakeProcess struct {
	name    string
	mx      sync.Mutex
	signals []syscall.Signal
}

func (p *fakeProcess) Name(context.Context) (string, error) {
	return p.name, nil
}

func (p *fakeProcess) Signal(_ context.Context, sig syscall.Signal) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.signals = append(p.signals, sig)
	return nil
}

func (p *fakeProcess) Signals() []syscall.Signal {
	p.mx.Lock()
	defer p.mx.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

type host struct {
	mx    sync.Mutex
	procs []procmgr.Process
}

func (h *host) list(context.Context) ([]procmgr.Process, error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	return append([]procmgr.Process(nil), h.procs...), nil
}

func (h *host) set(procs ...procmgr.Process) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.procs = procs
}

func config() model.Process {
	return model.Process{
		Poll:        "PT0.01S",
		HookTimeout: "PT5S",
		Names: map[string]string{
			"com.example.app": "example",
		},
	}
}

func newAuthority(t *testing.T, cfg model.Process, h *host) *procmgr.Authority {
	t.Helper()
	a, err := procmgr.New(cfg, procmgr.WithLister(h.list))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
	})
	return a
}

func TestAuthority_Signals(t *testing.T) {
	t.Parallel()
	example := &fakeProcess{name: "example"}
	other := &fakeProcess{name: "other"}
	h := &host{}
	h.set(example, other, &fakeProcess{name: "example"})
	a := newAuthority(t, config(), h)

	require.True(t, a.IsRunning(t.Context(), "com.example.app"))
	require.True(t, a.IsRunning(t.Context(), "other"))
	require.False(t, a.IsRunning(t.Context(), "com.example.missing"))

	require.NoError(t, a.NotifyLoadRepairPatch(t.Context(), "com.example.app"))
	require.NoError(t, a.NotifyHotReloadPage(t.Context(), "com.example.app"))
	require.NoError(t, a.NotifyUnloadRepairPatch(t.Context(), "com.example.app"))
	require.Equal(t, []syscall.Signal{unix.SIGUSR1, unix.SIGUSR2, unix.SIGHUP}, example.Signals())
	require.Empty(t, other.Signals())

	err := a.NotifyLoadRepairPatch(t.Context(), "com.example.missing")
	require.ErrorIs(t, err, procmgr.ErrNotRunning)
}

func TestAuthority_Hooks(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	out := filepath.Join(t.TempDir(), "hook.out")

	cfg := config()
	cfg.Hooks = &model.Hooks{
		Reload: []string{sh, "-c", `echo "$QUICKFIX_ACTION $BUNDLE_NAME $PROCESS_NAME" > "$0"`, out},
		Unload: []string{sh, "-c", "exit 1"},
	}
	example := &fakeProcess{name: "example"}
	h := &host{}
	h.set(example)
	a := newAuthority(t, cfg, h)

	require.NoError(t, a.NotifyHotReloadPage(t.Context(), "com.example.app"))
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "reload com.example.app example\n", string(b))

	var exitErr *exec.ExitError
	require.ErrorAs(t, a.NotifyUnloadRepairPatch(t.Context(), "com.example.app"), &exitErr)

	// load has no hook and falls back to a signal
	require.NoError(t, a.NotifyLoadRepairPatch(t.Context(), "com.example.app"))
	require.Equal(t, []syscall.Signal{unix.SIGUSR1}, example.Signals())
}

func TestAuthority_DeathObserver(t *testing.T) {
	t.Parallel()
	h := &host{}
	h.set(&fakeProcess{name: "example"})
	a := newAuthority(t, config(), h)

	var died atomic.Int32
	diedCh := make(chan struct{})
	unregister, err := a.RegisterDeathObserver(t.Context(), "com.example.app", func() {
		if died.Add(1) == 1 {
			close(diedCh)
		}
	})
	require.NoError(t, err)
	t.Cleanup(unregister)

	var stopped atomic.Int32
	stop, err := a.RegisterDeathObserver(t.Context(), "com.example.app", func() {
		stopped.Add(1)
	})
	require.NoError(t, err)
	stop()

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, died.Load())

	h.set()
	select {
	case <-diedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("observer not notified")
	}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), died.Load())
	require.Zero(t, stopped.Load())
}

func TestAuthority_Closed(t *testing.T) {
	t.Parallel()
	a, err := procmgr.New(config(), procmgr.WithLister(func(context.Context) ([]procmgr.Process, error) {
		return nil, errors.New("permission denied")
	}))
	require.NoError(t, err)
	require.False(t, a.IsRunning(t.Context(), "com.example.app"))
	require.Error(t, a.NotifyLoadRepairPatch(t.Context(), "com.example.app"))

	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Close(), procmgr.ErrClosed)
	_, err = a.RegisterDeathObserver(t.Context(), "com.example.app", func() {})
	require.ErrorIs(t, err, procmgr.ErrClosed)
}

func TestAuthority_Host(t *testing.T) {
	t.Parallel()
	a, err := procmgr.New(config())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
	})
	require.False(t, a.IsRunning(t.Context(), "quickfix-no-such-process-name"))
}
