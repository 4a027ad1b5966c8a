package model

import "strconv"

// ResultCode is the outcome of a quick fix task. It is published with every
// result event as applyResult.
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultDeployFailed
	ResultSwitchFailed
	ResultDeleteFailed
	ResultNotifyLoadFailed
	ResultNotifyReloadFailed
	ResultRegisterObserverFailed
	ResultAdapterUnavailable
	ResultIncompleteResult
	ResultProcessTimeout
	ResultNotifyUnloadFailed
	ResultPatchInfoFailed
)

var resultNames = map[ResultCode]string{
	ResultOK:                     "OK",
	ResultDeployFailed:           "DEPLOY_FAILED",
	ResultSwitchFailed:           "SWITCH_FAILED",
	ResultDeleteFailed:           "DELETE_FAILED",
	ResultNotifyLoadFailed:       "NOTIFY_LOAD_FAILED",
	ResultNotifyReloadFailed:     "NOTIFY_RELOAD_FAILED",
	ResultRegisterObserverFailed: "REGISTER_OBSERVER_FAILED",
	ResultAdapterUnavailable:     "ADAPTER_UNAVAILABLE",
	ResultIncompleteResult:       "INCOMPLETE_RESULT",
	ResultProcessTimeout:         "PROCESS_TIMEOUT",
	ResultNotifyUnloadFailed:     "NOTIFY_UNLOAD_FAILED",
	ResultPatchInfoFailed:        "PATCH_INFO_FAILED",
}

var resultReasons = map[ResultCode]string{
	ResultOK:                     "succeed",
	ResultDeployFailed:           "deploy failed",
	ResultSwitchFailed:           "switch failed",
	ResultDeleteFailed:           "delete failed",
	ResultNotifyLoadFailed:       "load patch failed",
	ResultNotifyReloadFailed:     "reload page failed",
	ResultRegisterObserverFailed: "register observer failed",
	ResultAdapterUnavailable:     "patch service or process manager is unavailable",
	ResultIncompleteResult:       "incomplete patch info",
	ResultProcessTimeout:         "process timeout",
	ResultNotifyUnloadFailed:     "unload patch failed",
	ResultPatchInfoFailed:        "get patch info failed",
}

// String returns the symbolic name of the code, e.g. SWITCH_FAILED.
func (c ResultCode) String() string {
	if s, ok := resultNames[c]; ok {
		return s
	}
	return "RESULT(" + strconv.Itoa(int(c)) + ")"
}

// Reason returns a human readable reason used for logging and in the
// applyResultInfo field of a result event.
func (c ResultCode) Reason() string {
	if s, ok := resultReasons[c]; ok {
		return s
	}
	return "invalid result"
}

// OK reports whether the code means success.
func (c ResultCode) OK() bool {
	return c == ResultOK
}
