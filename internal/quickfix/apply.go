package quickfix

import (
	"log/slog"

	"github.com/patrykniedzwiecki/quickfix/internal/model"
)

func (t *Task) startApply() {
	if len(t.files) == 0 {
		slog.ErrorContext(t.ctx, "no patch files")
		t.fail(model.ResultDeployFailed)
		return
	}
	if t.env.patches == nil {
		t.fail(model.ResultAdapterUnavailable)
		return
	}

	gen, err := t.step()
	if err != nil {
		t.fail(model.ResultDeployFailed)
		return
	}
	t.setState(StateDeploying)
	slog.InfoContext(t.ctx, "deploying patch", "files", t.files)
	if err := t.env.patches.Deploy(t.ctx, t.files, complete(t, gen, t.onDeployed)); err != nil {
		slog.ErrorContext(t.ctx, "deploy", "error", err)
		t.fail(model.ResultDeployFailed)
	}
}

func (t *Task) onDeployed(res DeployResult) {
	if res.Code != 0 {
		slog.ErrorContext(t.ctx, "deploy failed", "code", res.Code, "message", res.Message)
		t.fail(model.ResultDeployFailed)
		return
	}
	info, err := res.Info()
	if err != nil {
		slog.ErrorContext(t.ctx, "deploy result", "error", err)
		t.fail(model.ResultIncompleteResult)
		return
	}
	t.setInfo(info)
	t.setState(StateDeployed)
	slog.InfoContext(t.ctx, "patch deployed",
		"bundle_name", info.BundleName,
		"bundle_version", info.BundleVersionCode,
		"patch_version", info.PatchVersionCode,
		"so_contained", info.IsSoContained,
		"kind", info.Kind.String(),
	)

	if t.env.procs == nil {
		t.fail(model.ResultAdapterUnavailable)
		return
	}
	t.running = t.env.procs.IsRunning(t.ctx, info.BundleName)
	if !t.running || !info.IsSoContained {
		t.switchOn()
		return
	}

	if err := t.observe(StateAwaitingProcessDeath, t.switchOn); err != nil {
		slog.ErrorContext(t.ctx, "registering death observer", "error", err)
		t.fail(model.ResultRegisterObserverFailed)
		return
	}
	t.setState(StateAwaitingProcessDeath)
	slog.InfoContext(t.ctx, "waiting for process to exit", "bundle_name", info.BundleName)
}

func (t *Task) switchOn() {
	gen, err := t.step()
	if err != nil {
		t.fail(model.ResultSwitchFailed)
		return
	}
	t.setState(StateSwitching)
	if err := t.env.patches.Switch(t.ctx, t.info.BundleName, true, complete(t, gen, t.onSwitched)); err != nil {
		slog.ErrorContext(t.ctx, "switch", "error", err)
		t.fail(model.ResultSwitchFailed)
	}
}

func (t *Task) onSwitched(st Status) {
	if !st.OK() {
		slog.ErrorContext(t.ctx, "switch failed", "status", st.String())
		t.fail(model.ResultSwitchFailed)
		return
	}
	t.setState(StateSwitched)

	// the switch is done and is not reverted when the process cannot load it
	if t.running && !t.info.IsSoContained {
		switch {
		case t.env.procs == nil:
			t.record(model.ResultAdapterUnavailable)
		default:
			if err := t.env.procs.NotifyLoadRepairPatch(t.ctx, t.info.BundleName); err != nil {
				slog.ErrorContext(t.ctx, "notify load", "error", err)
				t.record(model.ResultNotifyLoadFailed)
			}
		}
	}
	t.deletePatch()
}

func (t *Task) deletePatch() {
	gen, err := t.step()
	if err != nil {
		t.fail(model.ResultDeleteFailed)
		return
	}
	t.setState(StateDeleting)
	if err := t.env.patches.Delete(t.ctx, t.info.BundleName, complete(t, gen, t.onDeleted)); err != nil {
		slog.ErrorContext(t.ctx, "delete", "error", err)
		t.fail(model.ResultDeleteFailed)
	}
}

func (t *Task) onDeleted(st Status) {
	if !st.OK() {
		slog.ErrorContext(t.ctx, "delete failed", "status", st.String())
		t.fail(model.ResultDeleteFailed)
		return
	}

	if t.typ == TypeApply && t.running && !t.info.IsSoContained && t.info.Kind == KindHotReload {
		switch {
		case t.env.procs == nil:
			t.record(model.ResultAdapterUnavailable)
		default:
			if err := t.env.procs.NotifyHotReloadPage(t.ctx, t.info.BundleName); err != nil {
				slog.ErrorContext(t.ctx, "notify hot reload", "error", err)
				t.record(model.ResultNotifyReloadFailed)
			}
		}
	}
	t.finish()
}
