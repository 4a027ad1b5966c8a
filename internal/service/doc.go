// Package service wires the quick fix manager to its collaborators.
//
// Overview
// Service owns the event bus with its sinks, the file backed patch store,
// the host process authority and the quick fix Manager. Do runs the Manager
// until the context is cancelled and, when configured, a periodic job
// logging the tasks in flight.
//
// Data flow:
//
//	caller           Manager            patchstore / procmgr        eventbus
//	  |                 |                        |                      |
//	  | Apply/Revoke -->| Deploy/Switch/Delete ->|                      |
//	  |                 |<------- done ----------|                      |
//	  |                 |--------------- result event ----------------->| sinks, subscribers
//
// Shutdown (deferred order): report scheduler -> process authority ->
// patch store -> event bus.
package service
