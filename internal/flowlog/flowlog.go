// Package flowlog appends one JSON line per message lifecycle stage to a
// diagnostics file. It is enabled by the MESSAGE_FLOW_LOG environment
// variable and is entirely optional: a nil *Logger is valid and records
// nothing.
package flowlog

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Stages recorded by the daemon.
const (
	StageReceived    = "received"
	StageEnqueued    = "enqueued"
	StageProcessing  = "processing"
	StageGatewaySend = "gateway-send"
	StageCallback    = "callback"
	StageDropped     = "dropped"
)

// Logger writes flow entries to a single append-only file.
type Logger struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// Open opens (or creates) the flow log at path.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open flow log")
	}

	return &Logger{f: f, enc: json.NewEncoder(f)}, nil
}

type entry struct {
	TS     string                 `json:"ts"`
	Stage  string                 `json:"stage"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// Record appends one stage entry. Failures are swallowed; a diagnostics file
// must never take the message path down with it.
func (l *Logger) Record(stage string, fields map[string]interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return
	}

	_ = l.enc.Encode(entry{
		TS:     time.Now().UTC().Format(time.RFC3339Nano),
		Stage:  stage,
		Fields: fields,
	})
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}

	err := l.f.Close()
	l.f = nil
	return err
}
