package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Record is the JSON payload of one lock file. JobID correlates to a job
// by convention only; nothing enforces referential integrity between the
// lock store and the job store. Hostname is diagnostic output for humans,
// not an input to any decision (locking is local-filesystem scoped).
type Record struct {
	Key       string    `json:"key"`
	JobID     string    `json:"job_id"`
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
	Hostname  string    `json:"hostname"`
	TargetDir string    `json:"target_dir"`
}

// keyFor derives the stable lock-file key for a target directory: the hex
// SHA-256 of its canonicalized path. Symlink resolution is best-effort so
// that /deploy/app and a symlink to it contend for the same lock.
func keyFor(targetDir string) (key, canonical string, err error) {
	abs, err := filepath.Abs(targetDir)
	if err != nil {
		return "", "", err
	}
	canonical = filepath.Clean(abs)
	if resolved, err := filepath.EvalSymlinks(canonical); err == nil {
		canonical = resolved
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), canonical, nil
}

func writeRecord(f *os.File, rec Record) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	_, err = f.Write(b)
	return err
}

func readRecord(path string) (Record, error) {
	var rec Record
	b, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}
