package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger

	fallbackOnce sync.Once
	fallback     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// FallbackLogger is the last-resort sink for audit entries that could not be
// persisted. It writes to stderr so it survives stdout redirection to collectors.
func FallbackLogger() *log.Logger {
	fallbackOnce.Do(func() {
		fallback = log.New(os.Stderr, "", 0)
	})
	return fallback
}

// LogRequest emits a structured JSON log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	writeLine(Logger(), entry)
}

// LogEvent emits a structured JSON log line with ts/level/msg plus fields.
func LogEvent(level, msg string, fields map[string]any) {
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["msg"] = msg
	writeLine(Logger(), entry)
}

// LogFallback writes a record to the fallback sink.
func LogFallback(msg string, fields map[string]any) {
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = "error"
	entry["msg"] = msg
	writeLine(FallbackLogger(), entry)
}

func writeLine(l *log.Logger, entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		l.Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	l.Println(string(data))
}
