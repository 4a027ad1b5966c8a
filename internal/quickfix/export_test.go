package quickfix

import "slices"

// History returns all states the task went through.
func (t *Task) History() []State {
	t.mx.RLock()
	defer t.mx.RUnlock()
	return slices.Clone(t.history)
}
