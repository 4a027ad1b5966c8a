package quickfix

import (
	"log/slog"

	"github.com/patrykniedzwiecki/quickfix/internal/model"
)

func (t *Task) startRevoke() {
	if t.env.patches == nil {
		t.fail(model.ResultAdapterUnavailable)
		return
	}

	bundleName := t.info.BundleName
	raw, err := t.env.patches.Info(t.ctx, bundleName)
	if err != nil {
		slog.ErrorContext(t.ctx, "patch info", "bundle_name", bundleName, "error", err)
		t.fail(model.ResultPatchInfoFailed)
		return
	}
	info, err := raw.Info()
	if err != nil {
		slog.ErrorContext(t.ctx, "patch info", "bundle_name", bundleName, "error", err)
		t.fail(model.ResultIncompleteResult)
		return
	}
	if info.BundleName != bundleName {
		slog.WarnContext(t.ctx, "patch info names another bundle", "bundle_name", bundleName, "got", info.BundleName)
		info.BundleName = bundleName
	}
	t.setInfo(info)
	t.setState(StateCheckRunning)

	if t.env.procs == nil {
		t.fail(model.ResultAdapterUnavailable)
		return
	}
	t.running = t.env.procs.IsRunning(t.ctx, bundleName)
	if !t.running {
		t.switchOff()
		return
	}

	if info.IsSoContained {
		if err := t.observe(StateAwaitingUnload, t.switchOff); err != nil {
			slog.ErrorContext(t.ctx, "registering death observer", "error", err)
			t.fail(model.ResultRegisterObserverFailed)
			return
		}
		t.setState(StateAwaitingUnload)
		slog.InfoContext(t.ctx, "waiting for process to exit", "bundle_name", bundleName)
		return
	}

	t.setState(StateAwaitingUnload)
	if err := t.env.procs.NotifyUnloadRepairPatch(t.ctx, bundleName); err != nil {
		slog.ErrorContext(t.ctx, "notify unload", "error", err)
		t.fail(model.ResultNotifyUnloadFailed)
		return
	}
	t.switchOff()
}

func (t *Task) switchOff() {
	gen, err := t.step()
	if err != nil {
		t.fail(model.ResultSwitchFailed)
		return
	}
	t.setState(StateSwitchingBack)
	if err := t.env.patches.Switch(t.ctx, t.info.BundleName, false, complete(t, gen, t.onSwitchedBack)); err != nil {
		slog.ErrorContext(t.ctx, "switch back", "error", err)
		t.fail(model.ResultSwitchFailed)
	}
}

func (t *Task) onSwitchedBack(st Status) {
	if !st.OK() {
		slog.ErrorContext(t.ctx, "switch back failed", "status", st.String())
		t.fail(model.ResultSwitchFailed)
		return
	}
	t.deletePatch()
}
