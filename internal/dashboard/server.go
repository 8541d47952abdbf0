// Package dashboard serves sync progress and cache statistics to WebSocket
// clients.
//
// Every orchestrator event becomes a broadcast Message. A client that
// connects mid-pass receives the latest statistics as its welcome message
// and then follows the live stream.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType tags a Message.
type MessageType string

const (
	MessageTypeProgress     MessageType = "progress"
	MessageTypeState        MessageType = "state"
	MessageTypeSyncComplete MessageType = "sync_complete"
	// MessageTypeSyncFailed means the pass failed and the published data
	// is unchanged.
	MessageTypeSyncFailed MessageType = "sync_failed"
	MessageTypeStats      MessageType = "stats"
)

// Message is one frame sent to clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	queueSize    = 100
	writeTimeout = 5 * time.Second
	stopTimeout  = 5 * time.Second
)

// Config configures a Server.
type Config struct {
	Port   int // 0 picks a free port
	Logger *log.Logger
}

// DefaultConfig listens on 8080 and logs to stderr.
func DefaultConfig() *Config {
	return &Config{Port: 8080, Logger: defaultLogger()}
}

func defaultLogger() *log.Logger {
	return log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
}

// Server fans Messages out to every connected WebSocket client.
type Server struct {
	addr   string
	logger *log.Logger

	ln  net.Listener
	srv *http.Server

	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}

	queue chan Message

	welcomeMu sync.RWMutex
	welcome   func() Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer returns a stopped server. A nil cfg means DefaultConfig.
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = defaultLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   fmt.Sprintf(":%d", cfg.Port),
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
		queue:  make(chan Message, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds the port and serves /ws, /health and an index page in the
// background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/health", s.serveHealth)
	mux.HandleFunc("/", s.serveIndex)
	s.srv = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.fanOut()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Serving dashboard on %s", ln.Addr())
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Dashboard server failed: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()
	for conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "dashboard stopping")
	}

	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down dashboard: %w", err)
		}
	}
	s.wg.Wait()

	s.logger.Printf("Dashboard stopped (%d clients dropped)", len(conns))
	return nil
}

// Broadcast queues msg for every client. It never blocks: when the queue
// is full the message is dropped.
func (s *Server) Broadcast(msg Message) {
	select {
	case <-s.ctx.Done():
	case s.queue <- msg:
	default:
		s.logger.Printf("WARNING: dropping %s message, queue full", msg.Type)
	}
}

// SetWelcome installs the builder of each new client's first message. Its
// data also fills the stats field of /health.
func (s *Server) SetWelcome(fn func() Message) {
	s.welcomeMu.Lock()
	defer s.welcomeMu.Unlock()
	s.welcome = fn
}

func (s *Server) welcomeMessage() Message {
	s.welcomeMu.RLock()
	fn := s.welcome
	s.welcomeMu.RUnlock()
	if fn == nil {
		return Message{Type: MessageTypeStats}
	}
	return fn()
}

// GetAddr is the bound address once started, else the configured one.
func (s *Server) GetAddr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func encode(msg Message) ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return json.Marshal(msg)
}

func (s *Server) send(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) fanOut() {
	defer s.wg.Done()
	for {
		var msg Message
		select {
		case <-s.ctx.Done():
			return
		case msg = <-s.queue:
		}

		data, err := encode(msg)
		if err != nil {
			s.logger.Printf("Failed to encode %s message: %v", msg.Type, err)
			continue
		}
		for _, conn := range s.snapshot() {
			if err := s.send(conn, data); err != nil {
				s.logger.Printf("Dropping client after failed write: %v", err)
				s.drop(conn)
			}
		}
	}
}

func (s *Server) snapshot() []*websocket.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		out = append(out, conn)
	}
	return out
}

// serveWS sends the welcome frame before registering the client, so no
// broadcast can overtake it.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("Rejected WebSocket handshake: %v", err)
		return
	}

	data, err := encode(s.welcomeMessage())
	if err == nil {
		err = s.send(conn, data)
	}
	if err != nil {
		s.logger.Printf("Could not greet client: %v", err)
		_ = conn.Close(websocket.StatusInternalError, "welcome failed")
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	n := len(s.conns)
	s.mu.Unlock()
	s.logger.Printf("Client joined, %d connected", n)

	go s.watch(conn)
}

// watch reads until the client goes away. Clients are not expected to
// send anything.
func (s *Server) watch(conn *websocket.Conn) {
	defer s.drop(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	_, ok := s.conns[conn]
	delete(s.conns, conn)
	n := len(s.conns)
	s.mu.Unlock()
	if !ok {
		return
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client left, %d connected", n)
}

type health struct {
	Status  string          `json:"status"`
	Clients int             `json:"clients"`
	Stats   json.RawMessage `json:"stats,omitempty"`
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health{
		Status:  "ok",
		Clients: s.ClientCount(),
		Stats:   s.welcomeMessage().Data,
	})
}

const indexPage = `<!DOCTYPE html>
<html>
<head><title>CRM Cache Dashboard</title></head>
<body>
<h1>CRM Cache Dashboard</h1>
<p>Follow sync progress for functions and client scripts at <code>ws://%s/ws</code>.</p>
<p>Cache statistics: <a href="/health">/health</a></p>
</body>
</html>
`

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, indexPage, r.Host)
}
