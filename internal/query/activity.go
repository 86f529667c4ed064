package query

import (
	"time"

	"github.com/cmericli/claude-remote/internal/store"
)

// classify derives the fine-grained Activity for a session from its
// row, whether a live process currently hosts it, and the role/age of
// its most recent message. It mirrors spec.md's three coarse buckets
// (running / idle-awaiting-input / done) while keeping the teacher's
// finer vocabulary:
//
//   - not running, never indexed a message -> starting (process just
//     launched, no log line landed yet)
//   - not running, last message from the assistant -> complete
//   - not running, last message from the user -> lost (the process
//     died mid-turn, before replying)
//   - running, idle past the threshold with the assistant's turn last
//     -> waiting (this is the Idle Detector's needs_input condition)
//   - running, no message yet -> starting
//   - running, otherwise -> thinking, or tool_use when the assistant's
//     turn is last and lastToolUse is set. The Facade sets lastToolUse
//     when the session has any recorded tool invocation (Dashboard and
//     Session); Sessions always passes false.
func classify(sess store.Session, running bool, hasLastMessage bool, lastRole store.Role, lastToolUse bool, idleFor time.Duration, idleAfter time.Duration) Activity {
	if !running {
		if !hasLastMessage {
			return ActivityStarting
		}
		if lastRole == store.RoleAssistant {
			return ActivityComplete
		}
		return ActivityLost
	}

	if !hasLastMessage {
		return ActivityStarting
	}
	if lastRole == store.RoleAssistant {
		if idleFor >= idleAfter {
			return ActivityWaiting
		}
		if lastToolUse {
			return ActivityToolUse
		}
	}
	return ActivityThinking
}

// coarseBucket maps an Activity onto spec.md's three top-level
// buckets, for filters/UIs that only want the coarse view.
func coarseBucket(a Activity) string {
	switch a {
	case ActivityWaiting:
		return "idle-awaiting-input"
	case ActivityComplete, ActivityLost:
		return "done"
	default:
		return "running"
	}
}
