package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	crmsync "github.com/zcrmtools/crmdash/internal/sync"
)

// ProgressPrinter renders orchestrator progress. On a terminal it
// rewrites a single status line; otherwise it prints a line each time a
// collection crosses a quarter mark.
type ProgressPrinter struct {
	w   io.Writer
	tty bool

	mu       sync.Mutex
	quarters map[string]int
	dirty    bool
}

var _ crmsync.Reporter = (*ProgressPrinter)(nil)

// NewProgressPrinter writes progress to w. tty selects line rewriting.
func NewProgressPrinter(w io.Writer, tty bool) *ProgressPrinter {
	return &ProgressPrinter{w: w, tty: tty, quarters: make(map[string]int)}
}

// OnProgress prints a progress update.
func (p *ProgressPrinter) OnProgress(pr crmsync.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := fmt.Sprintf("%s %3.0f%% %s", Pad(string(pr.Collection), 9), pr.Percent, pr.Label)
	if p.tty {
		width := TerminalWidth(100)
		fmt.Fprintf(p.w, "\r\033[K%s", Truncate(line, width-1))
		p.dirty = true
		return
	}

	q := int(pr.Percent) / 25
	key := pr.PassID + "/" + string(pr.Collection)
	if last, ok := p.quarters[key]; ok && q <= last {
		return
	}
	p.quarters[key] = q
	fmt.Fprintln(p.w, line)
}

// OnStateChange is a no-op; the status line shows labels, not states.
func (p *ProgressPrinter) OnStateChange(crmsync.StateChange) {}

// OnOutcome clears the status line so the caller can print the result.
func (p *ProgressPrinter) OnOutcome(crmsync.Result, error) {
	p.Clear()
}

// Clear erases a pending status line.
func (p *ProgressPrinter) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tty && p.dirty {
		fmt.Fprint(p.w, "\r\033[K")
		p.dirty = false
	}
}

// RenderResult summarizes a finished pass on one line.
func RenderResult(res crmsync.Result, err error) string {
	name := string(res.Collection)
	if err != nil {
		return fmt.Sprintf("%s %s sync failed: %v", RenderFail("✗"), name, err)
	}

	var b strings.Builder
	switch res.Outcome {
	case crmsync.OutcomeNoChange:
		fmt.Fprintf(&b, "%s %s up to date (%d cached)", RenderPass("✓"), name, res.Total)
	default:
		fmt.Fprintf(&b, "%s %s synced: +%d ~%d -%d (%d total)",
			RenderPass("✓"), name, res.Added, res.Updated, res.Removed, res.Total)
	}
	fmt.Fprintf(&b, " in %v", res.Duration.Round(time.Millisecond))
	if res.HydrationFailures > 0 {
		fmt.Fprintf(&b, "\n  %s %d source bodies could not be fetched", RenderWarn("⚠"), res.HydrationFailures)
	}
	if !res.Persisted && res.Outcome == crmsync.OutcomeSynced {
		fmt.Fprintf(&b, "\n  %s local cache unavailable, results were not saved", RenderWarn("⚠"))
	}
	return b.String()
}
