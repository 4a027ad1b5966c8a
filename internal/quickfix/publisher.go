package quickfix

import (
	"context"
	"log/slog"
	"time"

	"github.com/patrykniedzwiecki/quickfix/internal/model"
)

// Publisher receives one result event per finished task.
type Publisher interface {
	Publish(ctx context.Context, e model.Event) error
}

// PublisherFunc adapts a function to a Publisher.
type PublisherFunc func(ctx context.Context, e model.Event) error

func (f PublisherFunc) Publish(ctx context.Context, e model.Event) error {
	return f(ctx, e)
}

func (t *Task) event(code model.ResultCode) model.Event {
	name := model.EventApplyResult
	if t.typ == TypeRevoke {
		name = model.EventRevokeResult
	}
	info := t.Info()
	return model.Event{
		Name:            name,
		TaskID:          t.id,
		TaskType:        t.typ.String(),
		ApplyResult:     int(code),
		ApplyResultInfo: code.Reason(),
		BundleName:      info.BundleName,
		BundleVersion:   info.BundleVersionCode,
		PatchVersion:    info.PatchVersionCode,
		Time:            time.Now().UTC(),
	}
}

func (t *Task) publish(code model.ResultCode) {
	if t.env.publisher == nil {
		slog.WarnContext(t.ctx, "no publisher: result dropped", "result", code.String())
		return
	}
	if err := t.env.publisher.Publish(t.ctx, t.event(code)); err != nil {
		slog.ErrorContext(t.ctx, "publishing result", "error", err)
	}
}
