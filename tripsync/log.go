package tripsync

import (
	"fmt"
	"log"
	"os"
)

// Logging convention in the `tripsync` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation
//     this includes:
//     - dropped notifications under backpressure
//     - connectivity timeouts and session transitions to disconnected
// Debug:
//     key events for trace debugging
//     this includes:
//     - commits, fan-out deliveries and offline replays, keyed by trip code

const LogLevelUrgent = 0
const LogLevelInfo = 50
const LogLevelDebug = 100

var GlobalLogLevel = LogLevelUrgent

var logger = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

func Logger() *log.Logger {
	return logger
}

type LogFunction func(string, ...any)

func LogFn(level int, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			Logger().Printf("%s: %s\n", tag, m)
		}
	}
}

func SubLogFn(level int, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			log("%s: %s", tag, m)
		}
	}
}
