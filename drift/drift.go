// Package drift decides when the rendered output of a page has changed even
// though its source has not, and forces a new revision when it has.
//
// Renderings can transclude fragments of other pages, so a page's HTML can
// change while its source text stays identical. Plain source diffing misses
// that; this engine keeps a digest of the last committed rendering per page
// (see package fingerprint) and compares fresh renders against it. A
// divergence, once past the gating and throttle rules, is committed as a
// forced revision so the change shows up in page history.
package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/renderrev/fingerprint"
	"github.com/hazyhaar/renderrev/page"
)

// DefaultComment is the revision comment attached to forced revisions.
const DefaultComment = "Automatic revision due to content change"

// Pages is the slice of the page store the engine needs. *page.Store
// satisfies it.
type Pages interface {
	ModTime(ctx context.Context, id string) (time.Time, error)
	Source(ctx context.Context, id string) (string, error)
	Save(ctx context.Context, id, source, comment string, force bool) (*page.Revision, error)
}

// Recorder receives drift decisions for audit purposes. *audit.Logger
// satisfies it. Recording must never fail the render path.
type Recorder interface {
	Record(ctx context.Context, pageID, outcome, digest, detail string)
}

// View is the ambient request context of a render: what is being displayed
// and how. Only the normal current-state page view participates in drift
// detection; historical and point-in-time views never do.
type View struct {
	// Mode is the requested action, e.g. "show". Anything else is ignored.
	Mode string
	// Revision is set when a specific historical revision is displayed.
	Revision string
	// At is set when the page is displayed as of a point in time.
	At time.Time
	// PageID identifies the page being displayed.
	PageID string
	// Exists reports whether the page currently exists.
	Exists bool
}

// Outcome is the engine's decision for one rendered output.
type Outcome int

const (
	// Skipped: an eligibility gate failed; nothing was touched.
	Skipped Outcome = iota
	// Baselined: no usable record existed (or it was stale) and a fresh
	// digest was stored.
	Baselined
	// Throttled: the source was modified too recently to act on.
	Throttled
	// Unchanged: the rendering matches the stored baseline.
	Unchanged
	// Drifted: the rendering diverged and a forced revision was requested.
	Drifted
)

func (o Outcome) String() string {
	switch o {
	case Baselined:
		return "baselined"
	case Throttled:
		return "throttled"
	case Unchanged:
		return "unchanged"
	case Drifted:
		return "drifted"
	default:
		return "skipped"
	}
}

// Cycle is the per-request observation set. Rendering a page can recursively
// render fragments belonging to other pages; only pages observed at the
// pre-render stage are eligible for drift processing, so fragment renders
// never masquerade as the page being displayed.
//
// A Cycle must be created per request and never shared across concurrent
// requests. Within one cycle the pipeline runs sequentially, so no locking
// is needed.
type Cycle struct {
	marked map[string]bool
}

// NewCycle returns an empty observation set for one processing cycle.
func NewCycle() *Cycle {
	return &Cycle{marked: make(map[string]bool)}
}

// Mark records that the page entered the primary render path. Idempotent.
func (c *Cycle) Mark(pageID string) {
	if pageID != "" {
		c.marked[pageID] = true
	}
}

// IsMarked reports whether the page was observed in this cycle.
func (c *Cycle) IsMarked(pageID string) bool {
	return c.marked[pageID]
}

// Config tunes the engine.
type Config struct {
	// Format is the canonical display format. Renders in any other format
	// are ignored. Default: "html".
	Format string
	// MinRevisionInterval suppresses forced revisions until at least this
	// much time has passed since the page source was last modified. Zero
	// disables throttling.
	MinRevisionInterval time.Duration
	// Comment is attached to forced revisions. Default: DefaultComment.
	Comment string
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Format == "" {
		c.Format = "html"
	}
	if c.MinRevisionInterval < 0 {
		c.MinRevisionInterval = 0
	}
	if c.Comment == "" {
		c.Comment = DefaultComment
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats are point-in-time decision counters.
type Stats struct {
	Processed int64 `json:"processed"`
	Baselined int64 `json:"baselined"`
	Throttled int64 `json:"throttled"`
	Unchanged int64 `json:"unchanged"`
	Drifted   int64 `json:"drifted"`
	Failed    int64 `json:"failed"`
}

// Engine applies the drift decision rules. Safe for concurrent use as long
// as each request brings its own Cycle.
type Engine struct {
	store    *fingerprint.Store
	pages    Pages
	recorder Recorder
	cfg      Config
	now      func() time.Time

	processed atomic.Int64
	baselined atomic.Int64
	throttled atomic.Int64
	unchanged atomic.Int64
	drifted   atomic.Int64
	failed    atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRecorder attaches an audit recorder for drift decisions.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// New creates an Engine over a fingerprint store and a page store.
func New(store *fingerprint.Store, pages Pages, cfg Config, opts ...Option) *Engine {
	cfg.defaults()
	e := &Engine{
		store: store,
		pages: pages,
		cfg:   cfg,
		now:   time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Stats returns the current decision counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Processed: e.processed.Load(),
		Baselined: e.baselined.Load(),
		Throttled: e.throttled.Load(),
		Unchanged: e.unchanged.Load(),
		Drifted:   e.drifted.Load(),
		Failed:    e.failed.Load(),
	}
}

// Process evaluates one rendered output. It is called from the last
// post-render stage, after all other output transformations.
//
// The returned error is non-nil only when a forced revision was attempted
// and the persistence call failed; every other failure is absorbed locally
// so rendering always completes. Callers report the error, they do not retry.
func (e *Engine) Process(ctx context.Context, cycle *Cycle, view View, format string, output []byte) (Outcome, error) {
	log := e.cfg.Logger

	// Eligibility gates. Any failure means this render is not the primary
	// current-state display of an existing page: leave everything untouched.
	if format != e.cfg.Format ||
		view.Mode != "show" ||
		view.Revision != "" ||
		!view.At.IsZero() ||
		!view.Exists ||
		view.PageID == "" ||
		cycle == nil ||
		!cycle.IsMarked(view.PageID) {
		return Skipped, nil
	}
	e.processed.Add(1)

	id := view.PageID
	modTime, err := e.pages.ModTime(ctx, id)
	if err != nil {
		// Page vanished between the gate and here. Not this engine's problem.
		log.Debug("drift: mod time unavailable", "page", id, "error", err)
		return Skipped, nil
	}

	// No record, or a record older than the source: the page was edited
	// through the normal path since the digest was taken. Store the fresh
	// digest and stop. This is the dominant path on every ordinary edit.
	stored, stale, err := e.store.ReadWithAge(id, modTime)
	if errors.Is(err, fingerprint.ErrNotFound) || stale {
		digest := fingerprint.Digest(output)
		if werr := e.store.Write(id, digest); werr != nil {
			// Cache-store trouble never blocks rendering.
			log.Warn("drift: baseline write failed", "page", id, "error", werr)
		}
		e.baselined.Add(1)
		e.record(ctx, id, Baselined, digest, "")
		return Baselined, nil
	}
	if err != nil {
		log.Debug("drift: record read failed", "page", id, "error", err)
		return Skipped, nil
	}

	// Don't act on very recently edited pages; give rapid successive edits
	// and transient render noise time to settle.
	if e.cfg.MinRevisionInterval > 0 {
		elapsed := e.now().Unix() - modTime.Unix()
		if elapsed < int64(e.cfg.MinRevisionInterval.Seconds()) {
			e.throttled.Add(1)
			e.record(ctx, id, Throttled, stored, "")
			return Throttled, nil
		}
	}

	digest := fingerprint.Digest(output)
	if digest == stored {
		e.unchanged.Add(1)
		e.record(ctx, id, Unchanged, digest, "")
		return Unchanged, nil
	}

	// The rendering drifted. Re-save the current source with the force flag
	// so the store accepts a revision despite unchanged source text. The
	// record is deliberately NOT updated here: the save advances the page's
	// modification time, so the next render re-baselines through the stale
	// path above.
	source, err := e.pages.Source(ctx, id)
	if err != nil {
		e.failed.Add(1)
		e.record(ctx, id, Drifted, digest, "source read failed: "+err.Error())
		return Drifted, fmt.Errorf("drift: read source %s: %w", id, err)
	}

	if _, err := e.pages.Save(ctx, id, source, e.cfg.Comment, true); err != nil {
		e.failed.Add(1)
		e.record(ctx, id, Drifted, digest, "forced revision failed: "+err.Error())
		return Drifted, fmt.Errorf("drift: forced revision %s: %w", id, err)
	}

	e.drifted.Add(1)
	e.record(ctx, id, Drifted, digest, "")
	log.Info("drift: forced revision created", "page", id, "digest", digest)
	return Drifted, nil
}

func (e *Engine) record(ctx context.Context, pageID string, outcome Outcome, digest, detail string) {
	if e.recorder != nil {
		e.recorder.Record(ctx, pageID, outcome.String(), digest, detail)
	}
}
