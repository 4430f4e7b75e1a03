// Package attestation owns each job's on-disk persisted layout: the
// append-only JSONL transcript, its SHA-256 digest, and the signed
// creation/deletion attestation documents.
package attestation

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/autobb888/vap-dispatcher/pkg/types"
)

// JobDir returns the job's directory under jobsPath.
func JobDir(jobsPath, jobID string) string {
	return filepath.Join(jobsPath, jobID)
}

// Log is the append-only JSONL transcript for one job. Writes are
// serialized by mu so entries stay strictly monotonic in append order
// even when the router and lifecycle loop both log concurrently.
type Log struct {
	mu   sync.Mutex
	path string
}

// OpenLog returns a Log bound to the job's dispatcher-log.jsonl, creating
// the job directory if needed.
func OpenLog(jobsPath, jobID string) (*Log, error) {
	dir := JobDir(jobsPath, jobID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create job dir %s: %w", dir, err)
	}
	return &Log{path: filepath.Join(dir, "dispatcher-log.jsonl")}, nil
}

// Append writes one entry as a JSON line, stamping Timestamp if the
// caller left it zero.
func (l *Log) Append(entry types.DispatcherLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	raw = append(raw, '\n')

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log %s: %w", l.path, err)
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		return fmt.Errorf("write log %s: %w", l.path, err)
	}
	return nil
}

// NewNonce generates a random 8-byte hex nonce for one buyer turn (spec
// §4.4: "generate a random 8-byte hex nonce").
func NewNonce() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Digest computes the SHA-256 of the transcript file's bytes (the hash of
// empty input if the file does not exist yet). The digest is computed
// only on request; BuildDeletion does not record it in the deletion
// attestation.
func (l *Log) Digest() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return hex.EncodeToString(sha256.New().Sum(nil)), nil
	}
	if err != nil {
		return "", fmt.Errorf("read log %s: %w", l.path, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
