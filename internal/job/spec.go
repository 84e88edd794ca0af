package job

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Config is the immutable per-job record persisted as config.json. It is
// written once at spawn and never touched again.
type Config struct {
	JobID      string            `json:"job_id"`
	TargetDir  string            `json:"target_dir"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Command    string            `json:"command"` // assembled command line
	Env        []string          `json:"env,omitempty"`
	DryRun     bool              `json:"dry_run,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// SpawnRequest carries the caller inputs for one deployment attempt.
// JobID must be globally unique among active and retained jobs.
type SpawnRequest struct {
	JobID      string
	TargetDir  string
	Command    string // parameterized command line, may contain {param} placeholders
	Parameters map[string]string
	Env        []string // optional KEY=VALUE overrides
	DryRun     bool
}

// Job ids become directory names, so they are restricted to a safe set.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("empty job id")
	}
	if len(id) > 128 || !idPattern.MatchString(id) {
		return fmt.Errorf("invalid job id %q", id)
	}
	return nil
}

// assembleCommand expands {name} placeholders in the command line with
// parameter values. Parameters the command never references are passed to
// the child through the environment instead (see paramEnv), so nothing
// the caller supplies is silently dropped.
func assembleCommand(command string, params map[string]string) string {
	assembled := command
	for k, v := range params {
		assembled = strings.ReplaceAll(assembled, "{"+k+"}", v)
	}
	return strings.TrimSpace(assembled)
}

// paramEnv renders parameters not consumed by placeholder expansion as
// DEPLOY_PARAM_<NAME> environment entries, sorted for determinism.
func paramEnv(command string, params map[string]string) []string {
	var env []string
	for k, v := range params {
		if strings.Contains(command, "{"+k+"}") {
			continue
		}
		name := strings.ToUpper(strings.Map(func(r rune) rune {
			if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
				return r
			}
			return '_'
		}, k))
		env = append(env, "DEPLOY_PARAM_"+name+"="+v)
	}
	sort.Strings(env)
	return env
}
