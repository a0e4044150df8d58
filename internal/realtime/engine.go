// Package realtime keeps the admin's view of complaints in step with the
// remote store. Feed events are only hints: each one triggers a full
// re-fetch, and the fetched rows replace the view wholesale.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"suyang/api/internal/complaint"
	"suyang/api/internal/feed"
	"suyang/api/internal/notify"
	"suyang/api/internal/profile"
	"suyang/api/internal/store"
)

type State int

const (
	Disconnected State = iota
	Fetching
	Synced
)

func (s State) String() string {
	switch s {
	case Fetching:
		return "fetching"
	case Synced:
		return "synced"
	default:
		return "disconnected"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "fetching":
		*s = Fetching
	case "synced":
		*s = Synced
	case "disconnected":
		*s = Disconnected
	default:
		return fmt.Errorf("unknown sync state %q", text)
	}
	return nil
}

var ErrRemoveCancelled = errors.New("remove cancelled")

type Store interface {
	ListComplaints(ctx context.Context) ([]complaint.Complaint, error)
	SoftDeleteComplaints(ctx context.Context, ids []string) error
}

// Feed is satisfied by *feed.Hub.
type Feed interface {
	Subscribe(table string, mask feed.Mask) (*feed.Subscription, error)
	Unsubscribe(sub *feed.Subscription)
}

// StatusSetter is satisfied by *workflow.Workflow.
type StatusSetter interface {
	Transition(ctx context.Context, id string, to complaint.Status) error
}

// Reconciler receives every successfully fetched table, unfiltered.
// *search.Service implements it to keep the index in step with the store.
type Reconciler interface {
	Reconcile(ctx context.Context, items []complaint.Complaint) error
}

// Confirmer asks the operator before a destructive action.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string, count int) bool
}

type ConfirmFunc func(ctx context.Context, prompt string, count int) bool

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string, count int) bool {
	return f(ctx, prompt, count)
}

// RemovePrompt is the question shown before removing count complaints.
func RemovePrompt(count int) string {
	return fmt.Sprintf("%d개의 항목을 삭제하시겠습니까?", count)
}

// Engine owns one session's live complaint view.
type Engine struct {
	store    Store
	feed     Feed
	statuses StatusSetter
	trigger  notify.Trigger
	recon    Reconciler
	logger   *zap.Logger
	now      func() time.Time

	// cbMu serializes view callbacks with activation changes, so nothing is
	// delivered for an activation once it has been torn down.
	cbMu sync.Mutex

	mu        sync.Mutex
	gen       uint64
	sub       *feed.Subscription
	cancel    context.CancelFunc
	profile   *profile.Profile
	state     State
	fetchSeq  uint64
	syncedSeq uint64
	remote    []complaint.Complaint
	local     []complaint.Complaint
	listeners []func([]complaint.Complaint)

	wg sync.WaitGroup
}

type Option func(*Engine)

func WithTrigger(t notify.Trigger) Option { return func(e *Engine) { e.trigger = t } }

func WithReconciler(r Reconciler) Option { return func(e *Engine) { e.recon = r } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(s Store, f Feed, statuses StatusSetter, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{store: s, feed: f, statuses: statuses, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnSync registers fn to receive the full view after every change to it.
func (e *Engine) OnSync(fn func([]complaint.Complaint)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// Activate replaces any previous activation with one for p and performs the
// initial fetch. A failed fetch is returned but the subscription stays up,
// so the next feed event retries. Rows kept from a previous activation are
// re-filtered for p before anything is fetched.
func (e *Engine) Activate(ctx context.Context, p *profile.Profile) error {
	e.cbMu.Lock()
	e.mu.Lock()
	e.teardownLocked()

	sub, err := e.feed.Subscribe(store.Table, feed.MaskAll)
	if err != nil {
		e.mu.Unlock()
		e.cbMu.Unlock()
		return fmt.Errorf("subscribe to %s: %w", store.Table, err)
	}
	actx, cancel := context.WithCancel(context.Background())
	e.gen++
	gen := e.gen
	e.sub = sub
	e.cancel = cancel
	e.profile = clone(p)
	e.remote = Filter(e.remote, e.profile)
	e.state = Fetching
	e.mu.Unlock()
	e.cbMu.Unlock()

	e.logger.Info("realtime view activated", zap.String("admin_id", adminID(p)), zap.Uint64("generation", gen))

	e.wg.Add(1)
	go e.listen(actx, gen, sub)

	fetchCtx, stop := mergeCancel(ctx, actx)
	defer stop()
	return e.fetch(fetchCtx, gen, nil)
}

// Deactivate drops the subscription and the remote rows. No callback fires
// after it returns.
func (e *Engine) Deactivate() {
	e.cbMu.Lock()
	e.mu.Lock()
	hadSub := e.sub != nil
	e.teardownLocked()
	e.gen++
	e.state = Disconnected
	e.remote = nil
	e.mu.Unlock()
	e.cbMu.Unlock()
	if hadSub {
		e.logger.Info("realtime view deactivated")
	}
}

// Close deactivates and waits for in-flight work.
func (e *Engine) Close() {
	e.Deactivate()
	e.wg.Wait()
}

func (e *Engine) teardownLocked() {
	if e.sub != nil {
		e.feed.Unsubscribe(e.sub)
		e.sub = nil
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

func (e *Engine) listen(ctx context.Context, gen uint64, sub *feed.Subscription) {
	defer e.wg.Done()
	for ev := range sub.C {
		ev := ev
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.fetch(ctx, gen, &ev); err != nil && ctx.Err() == nil {
				e.logger.Debug("refetch after feed event failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
			}
		}()
	}
}

// fetch loads the remote table and replaces the view when gen is still
// current. Concurrent fetches may finish in any order; the last one to
// complete is what the view shows. A failure only marks the view
// disconnected while no fetch started after it has succeeded.
func (e *Engine) fetch(ctx context.Context, gen uint64, cause *feed.Event) error {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return nil
	}
	e.fetchSeq++
	seq := e.fetchSeq
	e.state = Fetching
	e.mu.Unlock()

	items, err := e.store.ListComplaints(ctx)
	if err != nil {
		err = complaint.Classify("list complaints", err)
		e.mu.Lock()
		if gen == e.gen && e.syncedSeq < seq {
			e.state = Disconnected
		}
		e.mu.Unlock()
		e.logger.Warn("complaint fetch failed, keeping previous view", zap.Error(err))
		return err
	}

	e.cbMu.Lock()
	defer e.cbMu.Unlock()

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return nil
	}
	e.remote = Filter(items, e.profile)
	e.state = Synced
	if seq > e.syncedSeq {
		e.syncedSeq = seq
	}
	view := e.viewLocked()
	listeners := append([]func([]complaint.Complaint){}, e.listeners...)
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(view)
	}
	if e.recon != nil {
		if err := e.recon.Reconcile(ctx, items); err != nil {
			e.logger.Warn("search index not reconciled", zap.Error(err))
		}
	}
	if cause != nil && cause.Kind == feed.KindInsert && e.trigger != nil {
		alert := notify.Alert{ComplaintID: cause.ID, At: e.now()}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.trigger.Fire(context.Background(), alert); err != nil {
				e.logger.Warn("new complaint alert failed", zap.Error(err))
			}
		}()
	}
	return nil
}

// Filter keeps the complaints p accepts, newest first. A nil profile keeps
// everything.
func Filter(items []complaint.Complaint, p *profile.Profile) []complaint.Complaint {
	out := make([]complaint.Complaint, 0, len(items))
	for _, c := range items {
		if p.Accepts(c.Category) {
			out = append(out, c)
		}
	}
	complaint.SortNewestFirst(out)
	return out
}

// View returns local fallback rows first, then the synced remote rows.
func (e *Engine) View() []complaint.Complaint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

func (e *Engine) viewLocked() []complaint.Complaint {
	out := make([]complaint.Complaint, 0, len(e.local)+len(e.remote))
	out = append(out, e.local...)
	out = append(out, e.remote...)
	return out
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Profile is the profile of the current activation, or nil.
func (e *Engine) Profile() *profile.Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return clone(e.profile)
}

// PrependLocal puts a complaint that never reached the remote store at the
// head of the view. It stays there until the process exits.
func (e *Engine) PrependLocal(c complaint.Complaint) {
	c.Local = true

	e.cbMu.Lock()
	defer e.cbMu.Unlock()

	e.mu.Lock()
	e.local = append([]complaint.Complaint{c}, e.local...)
	view := e.viewLocked()
	listeners := append([]func([]complaint.Complaint){}, e.listeners...)
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(view)
	}
}

// Remove soft-deletes ids after the operator confirms. The view is not
// touched; the resulting feed event brings the change back.
func (e *Engine) Remove(ctx context.Context, ids []string, confirm Confirmer) error {
	ids = compact(ids)
	if len(ids) == 0 {
		return nil
	}
	if confirm == nil || !confirm.Confirm(ctx, RemovePrompt(len(ids)), len(ids)) {
		return ErrRemoveCancelled
	}
	if err := e.store.SoftDeleteComplaints(ctx, ids); err != nil {
		return complaint.Classify("delete complaints", err)
	}
	e.logger.Info("complaints removed", zap.Int("count", len(ids)))
	return nil
}

// SetStatus forwards to the status workflow without touching the view.
func (e *Engine) SetStatus(ctx context.Context, id string, to complaint.Status) error {
	return e.statuses.Transition(ctx, id, to)
}

func compact(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func clone(p *profile.Profile) *profile.Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.Categories = append([]string(nil), p.Categories...)
	return &c
}

func adminID(p *profile.Profile) string {
	if p == nil {
		return ""
	}
	return p.AdminID
}

// mergeCancel returns a context that ends when either parent does.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
