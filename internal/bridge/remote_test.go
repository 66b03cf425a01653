package bridge

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termbridge/termbridge/internal/protocol"
)

type sendRecorder struct {
	mu   sync.Mutex
	sent []protocol.Envelope
	err  error
}

func (r *sendRecorder) send(env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
	return r.err
}

func (r *sendRecorder) envelopes() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Envelope(nil), r.sent...)
}

func TestRemoteHandleWriteSendsCurrentPid(t *testing.T) {
	rec := &sendRecorder{}
	h := newRemoteHandle(-1, rec.send, "/bin/zsh", 80, 24)
	h.updatePid(4242)

	require.NoError(t, h.Write("ls\n"))

	sent := rec.envelopes()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.MethodWrite, sent[0].Method)
	assert.NotEmpty(t, sent[0].ID)

	var params protocol.WriteParams
	require.NoError(t, json.Unmarshal(sent[0].Params, &params))
	assert.Equal(t, 4242, params.Pid)
	assert.Equal(t, "ls\n", params.Data)
}

func TestRemoteHandleWriteSwallowsTransportErrors(t *testing.T) {
	rec := &sendRecorder{err: errors.New("broken pipe")}
	h := newRemoteHandle(-1, rec.send, "/bin/zsh", 80, 24)
	h.updatePid(10)

	assert.NoError(t, h.Write("x"))
	assert.NoError(t, h.Resize(100, 30))
}

func TestRemoteHandleDeadHandleIsSilent(t *testing.T) {
	rec := &sendRecorder{}
	h := newRemoteHandle(-1, rec.send, "/bin/zsh", 80, 24)
	h.updatePid(10)
	h.emitExit(0, "")

	assert.NoError(t, h.Write("x"))
	assert.NoError(t, h.Resize(1, 1))
	assert.NoError(t, h.Kill("SIGTERM"))
	assert.Empty(t, rec.envelopes())
	assert.False(t, h.Alive())
}

func TestRemoteHandleKillIdempotent(t *testing.T) {
	rec := &sendRecorder{}
	h := newRemoteHandle(-1, rec.send, "/bin/zsh", 80, 24)
	h.updatePid(77)

	require.NoError(t, h.Kill("SIGKILL"))
	require.NoError(t, h.Kill("SIGKILL"))

	sent := rec.envelopes()
	require.Len(t, sent, 1, "second kill must not reach the wire")
	assert.Equal(t, protocol.MethodKill, sent[0].Method)

	var params protocol.KillParams
	require.NoError(t, json.Unmarshal(sent[0].Params, &params))
	assert.Equal(t, 77, params.Pid)
	assert.Equal(t, "SIGKILL", params.Signal)

	// Killed means not alive, and writes stop immediately.
	assert.False(t, h.Alive())
	assert.NoError(t, h.Write("x"))
	assert.Len(t, rec.envelopes(), 1)
}

func TestRemoteHandleResizeTracksSize(t *testing.T) {
	rec := &sendRecorder{}
	h := newRemoteHandle(-1, rec.send, "/bin/zsh", 80, 24)
	h.updatePid(5)

	require.NoError(t, h.Resize(132, 43))
	cols, rows := h.Size()
	assert.Equal(t, 132, cols)
	assert.Equal(t, 43, rows)

	var params protocol.ResizeParams
	sent := rec.envelopes()
	require.Len(t, sent, 1)
	require.NoError(t, json.Unmarshal(sent[0].Params, &params))
	assert.Equal(t, protocol.ResizeParams{Pid: 5, Cols: 132, Rows: 43}, params)
}

func TestRemoteHandleEventDelegation(t *testing.T) {
	h := newRemoteHandle(-1, (&sendRecorder{}).send, "/bin/zsh", 80, 24)

	var data []string
	h.OnData(func(d string) { data = append(data, d) })

	var exitCode int
	var exitSignal string
	h.OnExit(func(code int, sig string) { exitCode, exitSignal = code, sig })

	var gotErr error
	h.OnError(func(err error) { gotErr = err })

	h.emitData("hello")
	h.emitError(errors.New("transient"))
	h.emitExit(129, "SIGHUP")

	assert.Equal(t, []string{"hello"}, data)
	assert.Equal(t, 129, exitCode)
	assert.Equal(t, "SIGHUP", exitSignal)
	assert.EqualError(t, gotErr, "transient")
}

func TestRemoteHandlePlaceholderPidVisibleUntilRebind(t *testing.T) {
	h := newRemoteHandle(-3, (&sendRecorder{}).send, "/bin/zsh", 80, 24)
	assert.Equal(t, -3, h.Pid())
	h.updatePid(9001)
	assert.Equal(t, 9001, h.Pid())
	assert.Equal(t, "/bin/zsh", h.Shell())
}
