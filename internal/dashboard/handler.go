package dashboard

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zcrmtools/crmdash/internal/schema"
	"github.com/zcrmtools/crmdash/internal/state"
	crmsync "github.com/zcrmtools/crmdash/internal/sync"
)

// StatsData is the cache overview sent with every stats message.
type StatsData struct {
	state.Counts

	// Passes holds the latest finished pass per collection.
	Passes map[schema.Collection]PassData `json:"passes,omitempty"`
}

// PassData summarizes a finished pass.
type PassData struct {
	crmsync.Result
	Error string `json:"error,omitempty"`
}

// Handler turns orchestrator events into dashboard messages. It implements
// sync.Reporter and is safe for concurrent use.
type Handler struct {
	server *Server
	app    *state.App
	logger *log.Logger

	mu     sync.Mutex
	passes map[schema.Collection]PassData
}

var _ crmsync.Reporter = (*Handler)(nil)

// NewHandler creates a handler broadcasting through server. app supplies
// collection counts for stats messages and may be nil.
func NewHandler(server *Server, app *state.App, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	h := &Handler{
		server: server,
		app:    app,
		logger: logger,
		passes: make(map[schema.Collection]PassData),
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// OnProgress broadcasts a progress update.
func (h *Handler) OnProgress(p crmsync.Progress) {
	h.send(MessageTypeProgress, p)
}

// OnStateChange broadcasts a state transition.
func (h *Handler) OnStateChange(c crmsync.StateChange) {
	h.send(MessageTypeState, c)
}

// OnOutcome broadcasts the pass outcome followed by refreshed stats.
func (h *Handler) OnOutcome(res crmsync.Result, err error) {
	pass := PassData{Result: res}
	typ := MessageTypeSyncComplete
	if err != nil {
		pass.Error = err.Error()
		typ = MessageTypeSyncFailed
		h.logger.Printf("Sync failed: %s %s: %v", res.Collection, res.Kind, err)
	} else {
		h.logger.Printf("Sync complete: %s %s %s (+%d ~%d -%d) in %v",
			res.Collection, res.Kind, res.Outcome, res.Added, res.Updated, res.Removed, res.Duration)
	}

	h.mu.Lock()
	h.passes[res.Collection] = pass
	h.mu.Unlock()

	h.send(typ, pass)
	h.server.Broadcast(h.statsMessage())
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	stats := StatsData{Passes: make(map[schema.Collection]PassData)}
	if h.app != nil {
		stats.Counts = h.app.Counts()
	}

	h.mu.Lock()
	for c, p := range h.passes {
		stats.Passes[c] = p
	}
	h.mu.Unlock()
	return stats
}

func (h *Handler) statsMessage() Message {
	return h.message(MessageTypeStats, h.GetStats())
}

func (h *Handler) send(typ MessageType, data any) {
	h.server.Broadcast(h.message(typ, data))
}

func (h *Handler) message(typ MessageType, data any) Message {
	msg := Message{Type: typ, Timestamp: time.Now()}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return msg
	}
	msg.Data = dataJSON
	return msg
}
