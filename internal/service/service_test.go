package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/patrykniedzwiecki/quickfix/internal/model"
	"github.com/patrykniedzwiecki/quickfix/internal/patchstore"
	"github.com/patrykniedzwiecki/quickfix/internal/procmgr"
	"github.com/patrykniedzwiecki/quickfix/internal/quickfix"
	"github.com/patrykniedzwiecki/quickfix/internal/service"
)

const manifest = `bundleName: com.example.app
bundleVersionCode: 1
patchVersionCode: 100
isSoContained: false
type: patch
`

func noProcesses(context.Context) ([]procmgr.Process, error) {
	return nil, nil
}

func config(t *testing.T) model.Config {
	t.Helper()
	cfg := model.DefaultConfig(t.Context())
	cfg.Patches.Dir = filepath.Join(t.TempDir(), "patches")
	events := filepath.Join(t.TempDir(), "events")
	require.NoError(t, os.MkdirAll(events, 0o755))
	cfg.Events.Dir = &events
	cfg.Process.Poll = "PT0.01S"
	return cfg
}

func patchFiles(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, patchstore.ManifestName)
	require.NoError(t, os.WriteFile(p, []byte(manifest), 0o644))
	q := filepath.Join(dir, "entry.hqf")
	require.NoError(t, os.WriteFile(q, []byte("patched bytecode"), 0o644))
	return []string{p, q}
}

func wait(t *testing.T, task *quickfix.Task) model.ResultCode {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s stuck in %s", task.ID(), task.State())
	}
	code, ok := task.Result()
	require.True(t, ok)
	return code
}

func TestService(t *testing.T) {
	cfg := config(t)
	cfg.Service.Report = &model.Report{Duration: "PT0.05S"}

	var stdout bytes.Buffer
	svc, err := service.New(t.Context(), cfg,
		service.WithStdout(&stdout),
		service.WithProcessOptions(procmgr.WithLister(noProcesses)),
	)
	require.NoError(t, err)

	sub := svc.Bus().Subscribe("", 4)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- svc.Do(ctx)
	}()

	m := svc.Manager()
	apply, err := m.Apply(t.Context(), patchFiles(t))
	require.NoError(t, err)
	require.Equal(t, model.ResultOK, wait(t, apply))

	e := <-sub.C()
	require.Equal(t, model.EventApplyResult, e.Name)
	require.Equal(t, "com.example.app", e.BundleName)
	require.Equal(t, int64(100), e.PatchVersion)

	info, err := m.Info(t.Context(), "com.example.app")
	require.NoError(t, err)
	require.Equal(t, quickfix.KindPatch, info.Kind)

	revoke, err := m.Revoke(t.Context(), "com.example.app")
	require.NoError(t, err)
	require.Equal(t, model.ResultOK, wait(t, revoke))
	e = <-sub.C()
	require.Equal(t, model.EventRevokeResult, e.Name)

	_, err = m.Info(t.Context(), "com.example.app")
	require.ErrorIs(t, err, patchstore.ErrNotActive)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("service not stopped")
	}

	// subscriptions are closed on shutdown
	_, ok := <-sub.C()
	require.False(t, ok)

	lines := bytes.Split(bytes.TrimSpace(stdout.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var got model.Event
	require.NoError(t, json.Unmarshal(lines[1], &got))
	require.Equal(t, model.EventRevokeResult, got.Name)

	entries, err := os.ReadDir(*cfg.Events.Dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestNew_Fail(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		scenario string
		given    func(*model.Config)
		then     string
	}{
		{
			scenario: "version",
			given:    func(c *model.Config) { c.Version = 1 },
			then:     "config version 1 is not supported",
		},
		{
			scenario: "timeout",
			given:    func(c *model.Config) { c.QuickFix.Timeout = "5s" },
			then:     "parsing quickfix.timeout",
		},
		{
			scenario: "events dir",
			given: func(c *model.Config) {
				file := filepath.Join(t.TempDir(), "file")
				require.NoError(t, os.WriteFile(file, nil, 0o644))
				dir := filepath.Join(file, "events")
				c.Events.Dir = &dir
			},
			then: "initializing sinks",
		},
		{
			scenario: "webhook",
			given: func(c *model.Config) {
				u := "/hook"
				c.Events.Webhook = &u
			},
			then: "parsing events.webhook",
		},
		{
			scenario: "poll",
			given:    func(c *model.Config) { c.Process.Poll = "PT0S" },
			then:     "process.poll must be positive",
		},
		{
			scenario: "report",
			given: func(c *model.Config) {
				c.Service.Report = &model.Report{Cron: "* *"}
			},
			then: "report: parsing service.report.cron",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			cfg := config(t)
			tc.given(&cfg)
			_, err := service.New(t.Context(), cfg)
			require.Error(t, err)
			require.ErrorContains(t, err, tc.then)
		})
	}
}
