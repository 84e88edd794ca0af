package job

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"
)

// LogOptions controls log streaming. TailLines limits history to the last
// N lines; zero means the full file. Follow keeps polling for appended
// lines until the job reaches a terminal status, like tail -f bounded by
// job lifetime.
type LogOptions struct {
	Follow    bool
	TailLines int
}

// StreamLogs returns a channel of log lines for the job. The channel is
// closed when the history is exhausted (non-follow), when the job reaches
// a terminal status and the remaining lines are drained (follow), or when
// ctx is cancelled. The returned error is non-nil only for an unknown job.
func (m *Manager) StreamLogs(ctx context.Context, id string, opts LogOptions) (<-chan string, error) {
	if err := validateID(id); err != nil {
		return nil, ErrNotFound
	}
	if _, err := m.store.readStatus(id); err != nil {
		return nil, err
	}
	ch := make(chan string, 64)
	go m.streamLogs(ctx, id, opts, ch)
	return ch, nil
}

func (m *Manager) streamLogs(ctx context.Context, id string, opts LogOptions, ch chan<- string) {
	defer close(ch)
	path := m.store.logPath(id)

	// The log file appears when spawn opens it; in follow mode, wait for
	// it rather than racing the supervisor.
	var f *os.File
	for {
		var err error
		f, err = os.Open(path)
		if err == nil {
			break
		}
		if !opts.Follow || !errors.Is(err, fs.ErrNotExist) {
			return
		}
		if st, serr := m.Status(id); serr != nil || st.State.Terminal() {
			return
		}
		if !sleepCtx(ctx, m.poll) {
			return
		}
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	var pending strings.Builder

	if opts.TailLines > 0 {
		lines := tailLines(r, opts.TailLines)
		for _, ln := range lines {
			if !send(ctx, ch, ln) {
				return
			}
		}
		if !opts.Follow {
			return
		}
	}

	for {
		// Observe terminal status before draining so the lines written
		// just before exit are still delivered on the final pass.
		terminal := false
		if opts.Follow {
			if st, err := m.Status(id); err != nil || st.State.Terminal() {
				terminal = true
			}
		}
		for {
			chunk, err := r.ReadString('\n')
			if chunk != "" {
				if strings.HasSuffix(chunk, "\n") {
					line := pending.String() + strings.TrimRight(chunk, "\r\n")
					pending.Reset()
					if !send(ctx, ch, line) {
						return
					}
				} else {
					pending.WriteString(chunk)
				}
			}
			if err != nil {
				break
			}
		}
		if !opts.Follow || terminal {
			if pending.Len() > 0 {
				send(ctx, ch, pending.String())
			}
			return
		}
		if !sleepCtx(ctx, m.poll) {
			return
		}
	}
}

// tailLines consumes r to EOF keeping only the last n lines. A trailing
// line without a newline still counts.
func tailLines(r *bufio.Reader, n int) []string {
	ring := make([]string, 0, n)
	push := func(line string) {
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, line)
	}
	var partial strings.Builder
	for {
		chunk, err := r.ReadString('\n')
		if chunk != "" {
			if strings.HasSuffix(chunk, "\n") {
				partial.WriteString(strings.TrimRight(chunk, "\r\n"))
				push(partial.String())
				partial.Reset()
			} else {
				partial.WriteString(chunk)
			}
		}
		if err != nil {
			if partial.Len() > 0 {
				push(partial.String())
			}
			return ring
		}
	}
}

// failureMarkers drive the post-mortem completed-vs-failed heuristic used
// when the exit-code sentinel is missing. It is approximate: a log line
// merely mentioning the word "error" trips it, and a silent crash does
// not. The sentinel, when present, always wins.
var failureMarkers = []string{"error", "failed", "fatal", "panic:", "traceback"}

// logIndicatesFailure scans the final portion of the log for failure
// markers.
func logIndicatesFailure(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	const window = 64 * 1024
	if fi, err := f.Stat(); err == nil && fi.Size() > window {
		if _, err := f.Seek(-window, io.SeekEnd); err != nil {
			return false
		}
	}
	b, err := io.ReadAll(io.LimitReader(f, window))
	if err != nil {
		return false
	}
	text := strings.ToLower(string(b))
	for _, marker := range failureMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func send(ctx context.Context, ch chan<- string, line string) bool {
	select {
	case ch <- line:
		return true
	case <-ctx.Done():
		return false
	}
}

// sleepCtx is a cancellable wait; it reports false when ctx fired.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
