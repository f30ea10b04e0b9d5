package trace

import (
	"fmt"
	"os"
	"strconv"
)

// Ambient span propagation.
//
// The interceptor process starts a span, then spawns subprocesses (graph
// edit commands) while the network call is in flight. Those subprocesses
// run in separate address spaces, so the span identity crosses the process
// boundary through environment variables - the sanctioned escape hatch,
// not implicit global state. Within a single process, pass Ambient values
// explicitly.
//
// The variables persist past CompleteSpan until the next StartSpan
// overwrites them: tool execution happens after the response stream ends,
// and nodes created in that grace window link to the just-completed span.
const (
	// EnvSessionID carries the externally established session id so a
	// subprocess's own span-start calls resume that session instead of
	// creating a new one.
	EnvSessionID = "CAIRN_SESSION_ID"
	// EnvSpanSeq carries the in-flight span's session-scoped sequence
	// number.
	EnvSpanSeq = "CAIRN_SPAN_ID"
)

// Ambient identifies the span that is (or was most recently) in flight.
type Ambient struct {
	SessionID string
	SpanSeq   int64
}

// ReadAmbient reads the ambient span identity from the environment.
// Returns ok=false when no span is ambient or the values are malformed -
// linking is best-effort, so a broken value is the same as no value.
func ReadAmbient() (Ambient, bool) {
	sessionID := os.Getenv(EnvSessionID)
	spanSeq := os.Getenv(EnvSpanSeq)
	if sessionID == "" || spanSeq == "" {
		return Ambient{}, false
	}
	seq, err := strconv.ParseInt(spanSeq, 10, 64)
	if err != nil || seq <= 0 {
		return Ambient{}, false
	}
	return Ambient{SessionID: sessionID, SpanSeq: seq}, true
}

// ReadAmbientSession returns just the ambient session id, for span-start
// calls that should resume an externally established session.
func ReadAmbientSession() (string, bool) {
	sessionID := os.Getenv(EnvSessionID)
	return sessionID, sessionID != ""
}

// Environ returns base with the ambient span variables set, suitable for
// exec.Cmd.Env when spawning a subprocess during a network call.
func (a Ambient) Environ(base []string) []string {
	env := make([]string, 0, len(base)+2)
	for _, kv := range base {
		if hasPrefixKey(kv, EnvSessionID) || hasPrefixKey(kv, EnvSpanSeq) {
			continue
		}
		env = append(env, kv)
	}
	env = append(env,
		fmt.Sprintf("%s=%s", EnvSessionID, a.SessionID),
		fmt.Sprintf("%s=%d", EnvSpanSeq, a.SpanSeq),
	)
	return env
}

func hasPrefixKey(kv, key string) bool {
	return len(kv) > len(key) && kv[:len(key)] == key && kv[len(key)] == '='
}
