package attach

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"

	"github.com/hashicorp/yamux"
	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/session"
)

// streamHeader is the first line of every mux stream, naming the terminal
// the stream attaches to. Everything after it is raw bidirectional bytes.
type streamHeader struct {
	Terminal string `json:"terminal"`
}

// Mux lets a renderer hold one WebSocket for all of its terminals: yamux
// runs over the connection and each accepted stream binds to one session.
type Mux struct {
	manager *session.Manager
	logger  *zap.Logger
}

func NewMux(manager *session.Manager, logger *zap.Logger) *Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mux{manager: manager, logger: logger}
}

func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsc, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("mux upgrade failed", zap.Error(err))
		return
	}

	mux, err := yamux.Server(newWSConn(wsc), yamux.DefaultConfig())
	if err != nil {
		m.logger.Warn("mux session failed", zap.Error(err))
		wsc.Close()
		return
	}
	defer mux.Close()

	m.logger.Info("mux client connected")
	for {
		stream, err := mux.Accept()
		if err != nil {
			m.logger.Info("mux client disconnected")
			return
		}
		go m.serveStream(stream)
	}
}

func (m *Mux) serveStream(stream net.Conn) {
	defer stream.Close()

	br := bufio.NewReader(stream)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return
	}
	var hdr streamHeader
	if err := json.Unmarshal(line, &hdr); err != nil || hdr.Terminal == "" {
		m.logger.Warn("mux stream with bad header", zap.Error(err))
		return
	}

	sess := m.manager.GetTerminal(hdr.Terminal)
	if sess == nil {
		m.logger.Warn("mux stream for unknown terminal", zap.String("id", hdr.Terminal))
		return
	}
	handle := sess.Handle()

	// Data events for every session on a host connection are emitted from
	// one read loop, so the subscriber must never block on the stream: pump
	// through a buffered channel and drop on a stalled client, same as the
	// per-terminal handler.
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
				if _, err := stream.Write([]byte(data)); err != nil {
					return
				}
			case <-exitCh:
				stream.Close()
				return
			case <-readerDone:
				return
			}
		}
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			handle.Write(string(buf[:n]))
		}
		if err != nil {
			close(readerDone)
			return
		}
	}
}
