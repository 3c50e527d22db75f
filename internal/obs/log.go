// Package obs carries the observability surface of the keygate service:
// the shared JSON-line logger, Prometheus metrics and build info.
package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

var (
	logOnce sync.Once
	logOut  *log.Logger
)

// Logger returns the process-wide logger. Request logs, audit mirrors and
// component warnings all flow through it so output stays one parseable
// JSON stream.
func Logger() *log.Logger {
	logOnce.Do(func() {
		logOut = log.New(os.Stdout, "", 0)
	})
	return logOut
}

// LogRequest emits one structured JSON log line.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}

// Warn emits a timestamped warning line with optional fields.
func Warn(msg string, fields map[string]any) {
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"level": "warn",
		"msg":   msg,
	}
	for k, v := range fields {
		entry[k] = v
	}
	LogRequest(entry)
}
