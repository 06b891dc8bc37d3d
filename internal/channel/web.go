package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"

	"github.com/kosciak9/manfrod/internal/agent"
	"github.com/kosciak9/manfrod/internal/config"
)

// SourceWeb tags requests arriving over the WebSocket chat.
const SourceWeb = "web"

const (
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 16
)

// wsFrame is the JSON frame exchanged with browser clients.
type wsFrame struct {
	Type    string `json:"type"` // message, reply, typing, error
	Content string `json:"content,omitempty"`
	HTML    string `json:"html,omitempty"`
}

// Web serves a WebSocket chat endpoint. Each connection is one peer;
// its connection id doubles as the reply_to handle, so replies route
// back to the socket that asked.
type Web struct {
	cfg      config.WebConfig
	enqueue  func(agent.Request)
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server

	mu    sync.RWMutex
	conns map[string]*wsConn
}

type wsConn struct {
	id   string
	send chan wsFrame
	done chan struct{}
}

// NewWeb creates the WebSocket chat adapter.
func NewWeb(cfg config.WebConfig, enqueue func(agent.Request), logger *slog.Logger) *Web {
	if logger == nil {
		logger = slog.Default()
	}
	return &Web{
		cfg:     cfg,
		enqueue: enqueue,
		logger:  logger.With("component", "web"),
		conns:   make(map[string]*wsConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Source implements [Adapter].
func (w *Web) Source() string { return SourceWeb }

// Start begins serving the chat endpoint. Non-blocking; use Stop for
// graceful shutdown.
func (w *Web) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.handleWS)
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		fmt.Fprintln(rw, "ok")
	})

	addr := net.JoinHostPort(w.cfg.Address, fmt.Sprintf("%d", w.cfg.Port))
	w.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	go func() {
		if err := w.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			w.logger.Error("web server failed", "error", err)
		}
	}()

	w.logger.Info("web chat listening", "addr", addr)
	return nil
}

// Stop shuts the server down, closing all chat connections.
func (w *Web) Stop(ctx context.Context) error {
	if w.server == nil {
		return nil
	}
	return w.server.Shutdown(ctx)
}

func (w *Web) handleWS(rw http.ResponseWriter, r *http.Request) {
	sock, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := &wsConn{
		id:   uuid.NewString(),
		send: make(chan wsFrame, wsSendBuffer),
		done: make(chan struct{}),
	}

	w.mu.Lock()
	w.conns[conn.id] = conn
	w.mu.Unlock()

	w.logger.Debug("chat connected", "conn", conn.id, "remote", r.RemoteAddr)

	go w.writeLoop(sock, conn)
	w.readLoop(sock, conn)

	w.mu.Lock()
	delete(w.conns, conn.id)
	w.mu.Unlock()
	close(conn.done)
	sock.Close()
	w.logger.Debug("chat disconnected", "conn", conn.id)
}

// readLoop pumps inbound frames into the agent until the socket closes.
func (w *Web) readLoop(sock *websocket.Conn, conn *wsConn) {
	for {
		var frame wsFrame
		if err := sock.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Debug("chat read failed", "conn", conn.id, "error", err)
			}
			return
		}
		if frame.Type != "message" || frame.Content == "" {
			continue
		}
		w.enqueue(agent.Request{
			Content: frame.Content,
			Source:  SourceWeb,
			ReplyTo: conn.id,
		})
	}
}

// writeLoop serializes all writes to one socket.
func (w *Web) writeLoop(sock *websocket.Conn, conn *wsConn) {
	for {
		select {
		case <-conn.done:
			return
		case frame := <-conn.send:
			sock.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := sock.WriteJSON(frame); err != nil {
				w.logger.Debug("chat write failed", "conn", conn.id, "error", err)
				return
			}
		}
	}
}

// Deliver implements [Adapter]. The reply carries both the raw text
// and a rendered HTML version for the browser.
func (w *Web) Deliver(ctx context.Context, replyTo, text string) error {
	conn := w.lookup(replyTo)
	if conn == nil {
		return fmt.Errorf("chat connection gone: %s", replyTo)
	}
	w.push(conn, wsFrame{
		Type:    "reply",
		Content: text,
		HTML:    renderMarkdown(text),
	})
	return nil
}

// Working implements [Adapter]; shows a typing indicator.
func (w *Web) Working(ctx context.Context, replyTo string) {
	if conn := w.lookup(replyTo); conn != nil {
		w.push(conn, wsFrame{Type: "typing"})
	}
}

func (w *Web) lookup(id string) *wsConn {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.conns[id]
}

// push queues a frame, dropping it if the peer's buffer is full rather
// than blocking the agent loop.
func (w *Web) push(conn *wsConn, frame wsFrame) {
	select {
	case conn.send <- frame:
	default:
		w.logger.Warn("chat send buffer full, frame dropped", "conn", conn.id, "type", frame.Type)
	}
}

// renderMarkdown converts agent output to HTML for the chat UI.
// Falls back to a <pre> wrapper if the markdown fails to render.
func renderMarkdown(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		escaped, _ := json.Marshal(md)
		return "<pre>" + string(escaped) + "</pre>"
	}
	return buf.String()
}
