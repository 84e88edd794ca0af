package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// File names inside a job directory. config.json is write-once,
// status.json is replaced whole on every mutation, output.log is appended
// by the child itself, pid.lock is a secondary record of the child PID,
// and exit_code is the sentinel the shell trampoline writes on exit.
const (
	configFile   = "config.json"
	statusFile   = "status.json"
	outputFile   = "output.log"
	pidFile      = "pid.lock"
	exitCodeFile = "exit_code"
)

// store is the on-disk job namespace: one directory per job id under root.
type store struct {
	root string
}

func newStore(root string) (*store, error) {
	if root == "" {
		return nil, errors.New("job: root dir required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("job: prepare root %q: %w", root, err)
	}
	return &store{root: root}, nil
}

func (s *store) dir(id string) string      { return filepath.Join(s.root, id) }
func (s *store) logPath(id string) string  { return filepath.Join(s.root, id, outputFile) }
func (s *store) pidPath(id string) string  { return filepath.Join(s.root, id, pidFile) }
func (s *store) exitPath(id string) string { return filepath.Join(s.root, id, exitCodeFile) }

func (s *store) exists(id string) bool {
	_, err := os.Stat(s.dir(id))
	return err == nil
}

// ids lists every job directory under root.
func (s *store) ids() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && validateID(e.Name()) == nil {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (s *store) writeConfig(cfg Config) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir(cfg.JobID), configFile), b, 0o600)
}

func (s *store) readConfig(id string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(filepath.Join(s.dir(id), configFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, ErrNotFound
		}
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("job %s: corrupt config: %w", id, err)
	}
	return cfg, nil
}

// writeStatus replaces status.json atomically (temp file + rename) so a
// concurrent reader never sees a torn record.
func (s *store) writeStatus(st Status) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	dir := s.dir(st.JobID)
	tmp, err := os.CreateTemp(dir, statusFile+".tmp-*")
	if err != nil {
		return err
	}
	_, werr := tmp.Write(b)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmp.Name())
		return werr
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, statusFile))
}

func (s *store) readStatus(id string) (Status, error) {
	var st Status
	b, err := os.ReadFile(filepath.Join(s.dir(id), statusFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return st, ErrNotFound
		}
		return st, err
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return st, fmt.Errorf("job %s: corrupt status: %w", id, err)
	}
	return st, nil
}

// writePID persists the child PID plus its start time so a recycled PID
// is not later mistaken for the job's process. First line is the bare
// PID, second line is JSON metadata.
func (s *store) writePID(id string, pid int, startUnix int64) error {
	meta, err := json.Marshal(struct {
		StartUnix int64 `json:"start_unix"`
	}{StartUnix: startUnix})
	if err != nil {
		return err
	}
	content := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	return os.WriteFile(s.pidPath(id), []byte(content), 0o600)
}

// readPID returns the recorded PID and, when present, the start-time
// metadata. Legacy files holding only the PID yield startUnix 0.
func (s *store) readPID(id string) (pid int, startUnix int64, err error) {
	b, err := os.ReadFile(s.pidPath(id))
	if err != nil {
		return 0, 0, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err = strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, 0, fmt.Errorf("job %s: invalid pid file: %w", id, err)
	}
	rest = strings.TrimSpace(rest)
	if rest != "" {
		var meta struct {
			StartUnix int64 `json:"start_unix"`
		}
		if json.Unmarshal([]byte(rest), &meta) == nil {
			startUnix = meta.StartUnix
		}
	}
	return pid, startUnix, nil
}

// readExitCode reads the trampoline sentinel. ok is false when the
// sentinel is absent or unreadable, in which case classification falls
// back to the log-marker heuristic.
func (s *store) readExitCode(id string) (code int, ok bool) {
	b, err := os.ReadFile(s.exitPath(id))
	if err != nil {
		return 0, false
	}
	code, err = strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false
	}
	return code, true
}
