// Package attach is the transport the rendering collaborator connects to.
// The core pushes raw PTY bytes and accepts raw keystrokes; what the UI
// does with the bytes (escape parsing, screen model) is entirely its own
// business.
package attach

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type resizeMsg struct {
	Type string `json:"type"`
	Data struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	} `json:"data"`
}

// Handler serves one WebSocket per terminal: binary frames in are
// keystrokes, binary frames out are PTY output, text frames are resize
// control messages.
type Handler struct {
	manager *session.Manager
	logger  *zap.Logger
}

func NewHandler(manager *session.Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: manager, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing terminal id", http.StatusBadRequest)
		return
	}

	sess := h.manager.GetTerminal(id)
	if sess == nil {
		http.Error(w, "terminal not found", http.StatusNotFound)
		return
	}
	handle := sess.Handle()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("attach upgrade failed", zap.String("id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Info("client attached", zap.String("id", id))

	// PTY output is pumped through a buffered channel; a stalled client
	// drops data rather than backpressuring the session.
	dataCh := make(chan string, 256)
	disposeData := handle.OnData(func(data string) {
		select {
		case dataCh <- data:
		default:
		}
	})
	defer disposeData()

	exitCh := make(chan struct{})
	disposeExit := handle.OnExit(func(int, string) {
		select {
		case <-exitCh:
		default:
			close(exitCh)
		}
	})
	defer disposeExit()

	readerDone := make(chan struct{})

	go func() {
		for {
			select {
			case data := <-dataCh:
				if err := conn.WriteMessage(websocket.BinaryMessage, []byte(data)); err != nil {
					return
				}
			case <-exitCh:
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "terminal exited"))
				return
			case <-readerDone:
				return
			}
		}
	}()

	// Client → PTY: binary = input, text = control.
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch msgType {
		case websocket.BinaryMessage:
			handle.Write(string(msg))
		case websocket.TextMessage:
			var resize resizeMsg
			if json.Unmarshal(msg, &resize) == nil && resize.Type == "resize" {
				handle.Resize(resize.Data.Cols, resize.Data.Rows)
			}
		}
	}
	close(readerDone)

	h.logger.Info("client detached", zap.String("id", id))
}
