package cosync

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `cosync` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - rejected content (bad signatures, bad headers)
//     - peer timeouts and disconnects
//     - values that exhausted all peers
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// Debug (V(1), V(2)):
//     key events for trace debugging and statistics
//     this includes:
//     - key system events with ids that can be used to filter
//     - frequent events - e.g. load, known, content, ack -
//       at V(2) only, since they are per message

const LogLevelInfo = 1
const LogLevelDebug = 2

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}

func SubLogFn(level glog.Level, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			log("[%s]%s", tag, m)
		}
	}
}
