package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/roach88/cairn/internal/trace"
)

// Recorder persists spans by invoking the cairn binary as a subprocess.
//
// The interceptor's event loop must not block on database I/O, and the CLI
// already serializes writes through SQLite's locking, so span persistence
// rides on subprocess spawn cost rather than a second database client.
// Spawn failures are transient: they are retried with bounded backoff, and
// when retries exhaust the record is dropped (the caller logs it) - losing
// a span capture must never fail the network call it observes.
type Recorder struct {
	// Binary is the cairn executable to invoke.
	Binary string
	// ExtraArgs are prepended global flags, e.g. --db.
	ExtraArgs []string
	// Attempts bounds spawn retries. Zero means 3.
	Attempts int
	// Backoff is the initial retry delay, doubled per attempt. Zero
	// means 50ms.
	Backoff time.Duration
}

// spanReply is the fixed JSON shape start-span and record print.
type spanReply struct {
	SpanID int64 `json:"span_id"`
}

// StartSpan invokes `cairn start-span --session <id>` and returns the
// assigned span sequence number.
func (r *Recorder) StartSpan(ctx context.Context, sessionID string) (int64, error) {
	args := append(append([]string{}, r.ExtraArgs...), "start-span", "--session", sessionID)
	out, err := r.run(ctx, args, nil)
	if err != nil {
		return 0, fmt.Errorf("start span via subprocess: %w", err)
	}

	var reply spanReply
	if err := json.Unmarshal(out, &reply); err != nil {
		return 0, fmt.Errorf("start span via subprocess: decode %q: %w", out, err)
	}
	return reply.SpanID, nil
}

// CompleteSpan invokes `cairn record --session <id> --span-id <n> --stdin`
// with the finalized record on stdin.
func (r *Recorder) CompleteSpan(ctx context.Context, sessionID string, spanSeq int64, rec trace.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("complete span via subprocess: marshal record: %w", err)
	}

	args := append(append([]string{}, r.ExtraArgs...),
		"record", "--session", sessionID, "--span-id", strconv.FormatInt(spanSeq, 10), "--stdin")
	if _, err := r.run(ctx, args, payload); err != nil {
		return fmt.Errorf("complete span via subprocess: %w", err)
	}
	return nil
}

// run executes the binary with bounded retry on spawn or exit failure.
func (r *Recorder) run(ctx context.Context, args []string, stdin []byte) ([]byte, error) {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := r.Backoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}

		cmd := exec.CommandContext(ctx, r.Binary, args...)
		if stdin != nil {
			cmd.Stdin = bytes.NewReader(stdin)
		}
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			lastErr = fmt.Errorf("%s %v: %w (stderr: %s)", r.Binary, args, err, bytes.TrimSpace(stderr.Bytes()))
			continue
		}
		return bytes.TrimSpace(stdout.Bytes()), nil
	}
	return nil, lastErr
}
