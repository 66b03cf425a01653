package ptyhost

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/protocol"
)

// hostFixture runs the host loop over in-memory pipes, exactly the way the
// controller drives it over stdio.
type hostFixture struct {
	t     *testing.T
	out   *protocol.Writer
	raw   *io.PipeWriter
	lines chan protocol.Envelope
	done  chan error
}

func startHost(t *testing.T) *hostFixture {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- Run(inR, outW, zap.NewNop())
	}()

	lines := make(chan protocol.Envelope, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(outR)
		scanner.Buffer(make([]byte, 64*1024), protocol.MaxLineBytes)
		for scanner.Scan() {
			env, err := protocol.ParseLine(scanner.Bytes())
			if err != nil {
				continue
			}
			lines <- env
		}
	}()

	t.Cleanup(func() { inW.Close() })
	return &hostFixture{
		t:     t,
		out:   protocol.NewWriter(inW),
		raw:   inW,
		lines: lines,
		done:  done,
	}
}

// expect consumes output envelopes until one satisfies pred.
func (f *hostFixture) expect(what string, pred func(protocol.Envelope) bool) protocol.Envelope {
	f.t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case env, ok := <-f.lines:
			if !ok {
				f.t.Fatalf("host output closed while waiting for %s", what)
			}
			if pred(env) {
				return env
			}
		case <-deadline:
			f.t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func (f *hostFixture) request(method string, params any) string {
	f.t.Helper()
	id := uuid.NewString()
	env, err := protocol.NewRequest(id, method, params)
	require.NoError(f.t, err)
	require.NoError(f.t, f.out.Send(env))
	return id
}

// createCat spawns /bin/cat under a PTY: whatever is written comes straight
// back via terminal echo, which makes I/O assertions deterministic.
func (f *hostFixture) createCat() int {
	f.t.Helper()
	id := f.request(protocol.MethodCreate, protocol.CreateParams{File: "/bin/cat", Cols: 80, Rows: 24})
	resp := f.expect("create response", func(env protocol.Envelope) bool {
		return env.Kind == protocol.TypeResponse && env.ID == id
	})
	require.Empty(f.t, resp.Error)

	var result protocol.CreateResult
	require.NoError(f.t, json.Unmarshal(resp.Result, &result))
	require.Positive(f.t, result.Pid)
	return result.Pid
}

func TestHostAnnouncesReady(t *testing.T) {
	f := startHost(t)

	env := f.expect("ready event", func(env protocol.Envelope) bool {
		return env.Kind == protocol.TypeEvent && env.Event == protocol.EventReady
	})

	var params protocol.ReadyParams
	require.NoError(t, json.Unmarshal(env.Params, &params))
	assert.Equal(t, os.Getpid(), params.Pid)
}

func TestHostCreateWriteKillRoundTrip(t *testing.T) {
	f := startHost(t)
	pid := f.createCat()

	f.request(protocol.MethodWrite, protocol.WriteParams{Pid: pid, Data: "echo-me\r"})

	f.expect("echoed data event", func(env protocol.Envelope) bool {
		if env.Kind != protocol.TypeEvent || env.Event != protocol.EventData {
			return false
		}
		var params protocol.DataParams
		if json.Unmarshal(env.Params, &params) != nil || params.Pid != pid {
			return false
		}
		return len(params.Data) > 0
	})

	killID := f.request(protocol.MethodKill, protocol.KillParams{Pid: pid, Signal: "SIGKILL"})
	f.expect("kill ack", func(env protocol.Envelope) bool {
		return env.Kind == protocol.TypeResponse && env.ID == killID
	})

	f.expect("exit event", func(env protocol.Envelope) bool {
		if env.Kind != protocol.TypeEvent || env.Event != protocol.EventExit {
			return false
		}
		var params protocol.ExitParams
		return json.Unmarshal(env.Params, &params) == nil && params.Pid == pid
	})
}

func TestHostCreateFailureIsErrorResponse(t *testing.T) {
	f := startHost(t)

	id := f.request(protocol.MethodCreate, protocol.CreateParams{File: "/definitely/not/a/shell"})
	resp := f.expect("error response", func(env protocol.Envelope) bool {
		return env.Kind == protocol.TypeResponse && env.ID == id
	})
	assert.Contains(t, resp.Error, "start pty")
}

func TestHostWriteUnknownPidProducesNothing(t *testing.T) {
	f := startHost(t)

	// A write to a dead pid must produce no response and no error. Prove it
	// by following with a correlated request: the next response the host
	// emits must be that one.
	f.request(protocol.MethodWrite, protocol.WriteParams{Pid: 999999, Data: "into the void"})
	resizeID := f.request(protocol.MethodResize, protocol.ResizeParams{Pid: 999999, Cols: 80, Rows: 24})

	resp := f.expect("first response", func(env protocol.Envelope) bool {
		return env.Kind == protocol.TypeResponse
	})
	assert.Equal(t, resizeID, resp.ID)
	assert.Empty(t, resp.Error, "resize for an exited pid acks anyway")
}

func TestHostKillUnknownPidStillAcks(t *testing.T) {
	f := startHost(t)

	id := f.request(protocol.MethodKill, protocol.KillParams{Pid: 999999})
	resp := f.expect("kill ack", func(env protocol.Envelope) bool {
		return env.Kind == protocol.TypeResponse && env.ID == id
	})
	assert.Empty(t, resp.Error)
}

func TestHostSurvivesNoiseAndMalformedLines(t *testing.T) {
	f := startHost(t)

	_, err := f.raw.Write([]byte("Debugger attached.\n"))
	require.NoError(t, err)
	_, err = f.raw.Write([]byte("{this is not json\n"))
	require.NoError(t, err)

	// Still alive and serving requests.
	id := f.request(protocol.MethodResize, protocol.ResizeParams{Pid: 1, Cols: 80, Rows: 24})
	f.expect("post-noise ack", func(env protocol.Envelope) bool {
		return env.Kind == protocol.TypeResponse && env.ID == id
	})
}

func TestHostUnknownMethod(t *testing.T) {
	f := startHost(t)

	id := f.request("teleport", nil)
	resp := f.expect("unknown-method response", func(env protocol.Envelope) bool {
		return env.Kind == protocol.TypeResponse && env.ID == id
	})
	assert.Contains(t, resp.Error, "unknown method")
}

func TestHostShutsDownWhenInputCloses(t *testing.T) {
	f := startHost(t)
	pid := f.createCat()

	require.NoError(t, f.raw.Close())

	select {
	case err := <-f.done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("host did not shut down on input close")
	}

	// The spawned process was signalled on the way out.
	waitForProcessExit(t, pid)
}

func waitForProcessExit(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		// Signal 0 probes existence without delivering anything.
		if err := syscall.Kill(pid, 0); err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("pid %d still alive after host shutdown", pid)
}
