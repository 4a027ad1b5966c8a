package model

import "time"

// Well known names of result events.
const (
	EventApplyResult  = "usual.event.QUICK_FIX_APPLY_RESULT"
	EventRevokeResult = "usual.event.QUICK_FIX_REVOKE_RESULT"
)

// Event is published once for every finished quick fix task.
type Event struct {
	Name            string    `json:"event"`
	TaskID          string    `json:"taskId"`
	TaskType        string    `json:"taskType"`
	ApplyResult     int       `json:"applyResult"`
	ApplyResultInfo string    `json:"applyResultInfo"`
	BundleName      string    `json:"bundleName"`
	BundleVersion   int64     `json:"bundleVersion"`
	PatchVersion    int64     `json:"patchVersion"`
	Time            time.Time `json:"time"`
}

// Code returns ApplyResult as a ResultCode.
func (e Event) Code() ResultCode {
	return ResultCode(e.ApplyResult)
}
