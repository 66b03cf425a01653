package attach

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ptyh "github.com/termbridge/termbridge/internal/pty"
	"github.com/termbridge/termbridge/internal/session"
)

type fakeHandle struct {
	ev *ptyh.Events

	mu     sync.Mutex
	cols   int
	rows   int
	writes []string
}

func (f *fakeHandle) Pid() int          { return 1234 }
func (f *fakeHandle) Shell() string     { return "/bin/sh" }
func (f *fakeHandle) Alive() bool       { return !f.ev.Exited() }
func (f *fakeHandle) Kill(string) error { return nil }

func (f *fakeHandle) Size() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cols, f.rows
}

func (f *fakeHandle) Write(data string) error {
	f.mu.Lock()
	f.writes = append(f.writes, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeHandle) Resize(cols, rows int) error {
	f.mu.Lock()
	f.cols, f.rows = cols, rows
	f.mu.Unlock()
	return nil
}

func (f *fakeHandle) OnData(fn func(string)) func()      { return f.ev.OnData(fn) }
func (f *fakeHandle) OnExit(fn func(int, string)) func() { return f.ev.OnExit(fn) }
func (f *fakeHandle) OnError(fn func(error)) func()      { return f.ev.OnError(fn) }

var _ ptyh.Handle = (*fakeHandle)(nil)

type fakeSpawner struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (s *fakeSpawner) Spawn(context.Context, ptyh.Config) (ptyh.Handle, error) {
	h := &fakeHandle{ev: ptyh.NewEvents(), cols: 80, rows: 24}
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	return h, nil
}

func (s *fakeSpawner) Close() error { return nil }

var _ ptyh.Spawner = (*fakeSpawner)(nil)

func setupAttach(t *testing.T) (*session.Manager, *fakeHandle, *websocket.Conn) {
	t.Helper()

	mgr := session.NewManager(&fakeSpawner{}, nil, session.Options{}, nil)
	sess, err := mgr.CreateTerminal(context.Background(), "term-ws")
	require.NoError(t, err)
	handle := sess.Handle().(*fakeHandle)

	mux := http.NewServeMux()
	mux.Handle("GET /terminals/{id}/attach", NewHandler(mgr, nil))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/terminals/term-ws/attach"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return mgr, handle, conn
}

func TestAttachStreamsOutputToClient(t *testing.T) {
	_, handle, conn := setupAttach(t)

	// The server's data subscription races the handshake; keep emitting
	// until the client observes a frame.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				handle.ev.EmitData("prompt$ ")
				time.Sleep(20 * time.Millisecond)
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, "prompt$ ", string(msg))
}

func TestAttachForwardsKeystrokes(t *testing.T) {
	_, handle, conn := setupAttach(t)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("ls -la\r")))

	require.Eventually(t, func() bool {
		handle.mu.Lock()
		defer handle.mu.Unlock()
		return len(handle.writes) == 1 && handle.writes[0] == "ls -la\r"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAttachHandlesResizeControl(t *testing.T) {
	_, handle, conn := setupAttach(t)

	msg, err := json.Marshal(map[string]any{
		"type": "resize",
		"data": map[string]int{"cols": 132, "rows": 43},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))

	require.Eventually(t, func() bool {
		cols, rows := handle.Size()
		return cols == 132 && rows == 43
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAttachClosesOnExit(t *testing.T) {
	_, handle, conn := setupAttach(t)

	handle.ev.EmitExit(0, "")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
				"expected a normal close, got %v", err)
			return
		}
	}
}

func TestAttachUnknownTerminal(t *testing.T) {
	mgr := session.NewManager(&fakeSpawner{}, nil, session.Options{}, nil)

	mux := http.NewServeMux()
	mux.Handle("GET /terminals/{id}/attach", NewHandler(mgr, nil))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/terminals/ghost/attach")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
