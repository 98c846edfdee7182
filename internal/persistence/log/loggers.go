// Package log writes append-only operational records as hourly-rotated,
// zstd-compressed JSONL files. These are audit artifacts, not the
// process log; the process log stays on the standard logger.
package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// SessionEntry records one connection lifecycle event.
type SessionEntry struct {
	Time      string `json:"time"`
	SessionID string `json:"session_id"`
	PlayerID  string `json:"player_id,omitempty"`
	Event     string `json:"event"` // connected, state, disconnected
	Detail    string `json:"detail,omitempty"`
}

// SessionLogger writes session lifecycle JSONL entries (compressed).
type SessionLogger struct{ w *JSONLZstdWriter }

func NewSessionLogger(dataDir string) *SessionLogger {
	return &SessionLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "sessions"), "sessions")}
}

func (l *SessionLogger) WriteSession(v SessionEntry) error { return l.w.Write(v) }
func (l *SessionLogger) Close() error                      { return l.w.Close() }

// TransferEntry records one transfer-protocol decision on either side.
type TransferEntry struct {
	Time        string `json:"time"`
	Direction   string `json:"direction"` // out, in
	PlayerName  string `json:"player_name,omitempty"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
	Result      string `json:"result"` // minted, admitted, rejected
	Notices     int    `json:"notices,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// TransferLogger writes transfer audit JSONL entries (compressed).
type TransferLogger struct{ w *JSONLZstdWriter }

func NewTransferLogger(dataDir string) *TransferLogger {
	return &TransferLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "transfers"), "transfers")}
}

func (l *TransferLogger) WriteTransfer(v TransferEntry) error { return l.w.Write(v) }
func (l *TransferLogger) Close() error                        { return l.w.Close() }
