package realtime

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suyang/api/internal/complaint"
	"suyang/api/internal/feed"
	"suyang/api/internal/notify"
	"suyang/api/internal/profile"
)

type fakeStore struct {
	mu       sync.Mutex
	rows     []complaint.Complaint
	listErr  error
	lists    int
	deleted  [][]string
	deleteFn func([]string) error
}

func (f *fakeStore) ListComplaints(context.Context) ([]complaint.Complaint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]complaint.Complaint(nil), f.rows...), nil
}

func (f *fakeStore) SoftDeleteComplaints(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids)
	if f.deleteFn != nil {
		return f.deleteFn(ids)
	}
	return nil
}

func (f *fakeStore) set(rows []complaint.Complaint, err error) {
	f.mu.Lock()
	f.rows, f.listErr = rows, err
	f.mu.Unlock()
}

func (f *fakeStore) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

type fakeStatuses struct {
	calls []complaint.Status
}

func (f *fakeStatuses) Transition(_ context.Context, _ string, to complaint.Status) error {
	f.calls = append(f.calls, to)
	return nil
}

var base = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func row(id, cat string, minutes int) complaint.Complaint {
	return complaint.Complaint{ID: id, Category: cat, Status: complaint.StatusNone, CreatedAt: base.Add(time.Duration(minutes) * time.Minute)}
}

func ids(items []complaint.Complaint) []string {
	out := make([]string, len(items))
	for i, c := range items {
		out[i] = c.ID
	}
	return out
}

func newEngine(t *testing.T, fs *fakeStore, opts ...Option) (*Engine, *feed.Hub) {
	t.Helper()
	hub := feed.NewHub(16, nil)
	e := NewEngine(fs, hub, &fakeStatuses{}, nil, opts...)
	t.Cleanup(func() {
		e.Close()
		hub.Close()
	})
	return e, hub
}

func TestFilterKeepsAcceptedCategoriesNewestFirst(t *testing.T) {
	items := []complaint.Complaint{
		row("old-fire", "fire", 1),
		row("trash", "trash", 5),
		row("new-fire", "fire", 9),
		row("roadkill", "roadkill", 3),
	}
	p := &profile.Profile{AdminID: "a", Categories: []string{"fire", "roadkill"}}

	assert.Equal(t, []string{"new-fire", "roadkill", "old-fire"}, ids(Filter(items, p)))
	assert.Equal(t, []string{"new-fire", "trash", "roadkill", "old-fire"}, ids(Filter(items, nil)))
}

func TestFilterHonoursLegacyScalarProfile(t *testing.T) {
	items := []complaint.Complaint{row("a", "fire", 1), row("b", "trash", 2)}
	p := &profile.Profile{Category: "trash"}
	assert.Equal(t, []string{"b"}, ids(Filter(items, p)))
}

func TestActivateFetchesAndFilters(t *testing.T) {
	fs := &fakeStore{rows: []complaint.Complaint{row("a", "fire", 1), row("b", "trash", 2), row("c", "fire", 3)}}
	e, hub := newEngine(t, fs)

	assert.Equal(t, Disconnected, e.State())
	require.NoError(t, e.Activate(context.Background(), &profile.Profile{AdminID: "x", Categories: []string{"fire"}}))

	assert.Equal(t, Synced, e.State())
	assert.Equal(t, []string{"c", "a"}, ids(e.View()))
	assert.Equal(t, 1, hub.Subscribers())
}

func TestEveryNotificationRefetches(t *testing.T) {
	fs := &fakeStore{rows: []complaint.Complaint{row("a", "fire", 1)}}
	e, hub := newEngine(t, fs)
	require.NoError(t, e.Activate(context.Background(), nil))

	fs.set([]complaint.Complaint{row("a", "fire", 1), row("b", "fire", 2)}, nil)
	hub.Publish(feed.Event{Table: "complaints", Kind: feed.KindUpdate, ID: "a"})

	assert.Eventually(t, func() bool {
		return len(e.View()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"b", "a"}, ids(e.View()))

	hub.Publish(feed.Event{Table: "complaints", Kind: feed.KindOther})
	assert.Eventually(t, func() bool { return fs.listCount() == 3 }, time.Second, 5*time.Millisecond)
}

func TestFetchFailureKeepsPreviousView(t *testing.T) {
	fs := &fakeStore{rows: []complaint.Complaint{row("a", "fire", 1)}}
	e, hub := newEngine(t, fs)
	require.NoError(t, e.Activate(context.Background(), nil))

	fs.set(nil, errors.New("connection refused"))
	hub.Publish(feed.Event{Table: "complaints", Kind: feed.KindDelete})

	assert.Eventually(t, func() bool { return e.State() == Disconnected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a"}, ids(e.View()))

	// the subscription survives, so the next event is the retry
	fs.set([]complaint.Complaint{row("b", "fire", 2)}, nil)
	hub.Publish(feed.Event{Table: "complaints", Kind: feed.KindUpdate})
	assert.Eventually(t, func() bool { return e.State() == Synced }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"b"}, ids(e.View()))
}

func TestInitialFetchFailureIsReported(t *testing.T) {
	fs := &fakeStore{listErr: errors.New("permission denied for table complaints")}
	e, hub := newEngine(t, fs)

	err := e.Activate(context.Background(), nil)
	var perr *complaint.PermissionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, Disconnected, e.State())
	assert.Empty(t, e.View())
	assert.Equal(t, 1, hub.Subscribers())
}

func TestInsertNotificationFiresTriggerOnce(t *testing.T) {
	var fired atomic.Int32
	var lastID atomic.Value
	trigger := notify.TriggerFunc(func(_ context.Context, a notify.Alert) error {
		fired.Add(1)
		lastID.Store(a.ComplaintID)
		return nil
	})
	fs := &fakeStore{rows: []complaint.Complaint{row("a", "fire", 1)}}
	e, hub := newEngine(t, fs, WithTrigger(trigger))
	require.NoError(t, e.Activate(context.Background(), nil))
	assert.Zero(t, fired.Load())

	hub.Publish(feed.Event{Table: "complaints", Kind: feed.KindUpdate, ID: "a"})
	assert.Eventually(t, func() bool { return fs.listCount() == 2 }, time.Second, 5*time.Millisecond)

	hub.Publish(feed.Event{Table: "complaints", Kind: feed.KindInsert, ID: "b"})
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "b", lastID.Load())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestInsertTriggerSkippedWhenFetchFails(t *testing.T) {
	var fired atomic.Int32
	fs := &fakeStore{}
	e, hub := newEngine(t, fs, WithTrigger(notify.TriggerFunc(func(context.Context, notify.Alert) error {
		fired.Add(1)
		return nil
	})))
	require.NoError(t, e.Activate(context.Background(), nil))

	fs.set(nil, errors.New("timeout"))
	hub.Publish(feed.Event{Table: "complaints", Kind: feed.KindInsert})
	assert.Eventually(t, func() bool { return fs.listCount() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

func TestReactivationReplacesSubscription(t *testing.T) {
	fs := &fakeStore{rows: []complaint.Complaint{row("a", "fire", 1), row("b", "trash", 2)}}
	e, hub := newEngine(t, fs)

	require.NoError(t, e.Activate(context.Background(), &profile.Profile{AdminID: "1", Categories: []string{"fire"}}))
	assert.Equal(t, []string{"a"}, ids(e.View()))

	require.NoError(t, e.Activate(context.Background(), &profile.Profile{AdminID: "2", Categories: []string{"trash"}}))
	assert.Equal(t, []string{"b"}, ids(e.View()))
	assert.Equal(t, 1, hub.Subscribers())
	assert.Equal(t, "2", e.Profile().AdminID)
}

func TestNoCallbacksAfterDeactivate(t *testing.T) {
	fs := &fakeStore{rows: []complaint.Complaint{row("a", "fire", 1)}}
	e, hub := newEngine(t, fs)

	var syncs atomic.Int32
	e.OnSync(func([]complaint.Complaint) { syncs.Add(1) })
	require.NoError(t, e.Activate(context.Background(), nil))
	assert.Equal(t, int32(1), syncs.Load())

	e.Deactivate()
	assert.Equal(t, 0, hub.Subscribers())
	assert.Equal(t, Disconnected, e.State())

	hub.Publish(feed.Event{Table: "complaints", Kind: feed.KindInsert})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), syncs.Load())
	assert.Equal(t, 1, fs.listCount())
}

func TestRemove(t *testing.T) {
	fs := &fakeStore{rows: []complaint.Complaint{row("a", "fire", 1)}}
	e, _ := newEngine(t, fs)
	require.NoError(t, e.Activate(context.Background(), nil))
	ctx := context.Background()

	var asked []string
	yes := ConfirmFunc(func(_ context.Context, prompt string, _ int) bool { asked = append(asked, prompt); return true })
	no := ConfirmFunc(func(_ context.Context, prompt string, _ int) bool { asked = append(asked, prompt); return false })

	require.NoError(t, e.Remove(ctx, nil, yes))
	require.NoError(t, e.Remove(ctx, []string{}, yes))
	assert.Empty(t, asked)
	assert.Empty(t, fs.deleted)

	assert.ErrorIs(t, e.Remove(ctx, []string{"a", "b"}, no), ErrRemoveCancelled)
	assert.Equal(t, []string{"2개의 항목을 삭제하시겠습니까?"}, asked)
	assert.Empty(t, fs.deleted)

	require.NoError(t, e.Remove(ctx, []string{"a", "b", "a"}, yes))
	assert.Equal(t, [][]string{{"a", "b"}}, fs.deleted)
	// no local mutation; the feed brings the change back
	assert.Equal(t, []string{"a"}, ids(e.View()))
}

func TestRemoveClassifiesPermissionErrors(t *testing.T) {
	fs := &fakeStore{deleteFn: func([]string) error {
		return errors.New(`new row violates row-level security policy for table "complaints"`)
	}}
	e, _ := newEngine(t, fs)
	err := e.Remove(context.Background(), []string{"a"}, ConfirmFunc(func(context.Context, string, int) bool { return true }))
	var perr *complaint.PermissionError
	assert.ErrorAs(t, err, &perr)
}

func TestPrependLocalSurvivesReconciliation(t *testing.T) {
	fs := &fakeStore{rows: []complaint.Complaint{row("remote", "fire", 10)}}
	e, hub := newEngine(t, fs)
	require.NoError(t, e.Activate(context.Background(), nil))

	e.PrependLocal(row("local-1", "trash", 1))
	e.PrependLocal(row("local-2", "trash", 2))
	assert.Equal(t, []string{"local-2", "local-1", "remote"}, ids(e.View()))
	assert.True(t, e.View()[0].Local)

	hub.Publish(feed.Event{Table: "complaints", Kind: feed.KindUpdate})
	assert.Eventually(t, func() bool { return fs.listCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return e.State() == Synced }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"local-2", "local-1", "remote"}, ids(e.View()))
}

func TestSetStatusDoesNotTouchView(t *testing.T) {
	fs := &fakeStore{rows: []complaint.Complaint{row("a", "fire", 1)}}
	statuses := &fakeStatuses{}
	hub := feed.NewHub(4, nil)
	e := NewEngine(fs, hub, statuses, nil)
	t.Cleanup(e.Close)
	require.NoError(t, e.Activate(context.Background(), nil))

	require.NoError(t, e.SetStatus(context.Background(), "a", complaint.StatusCompleted))
	assert.Equal(t, []complaint.Status{complaint.StatusCompleted}, statuses.calls)
	assert.Equal(t, complaint.StatusNone, e.View()[0].Status)
}

func TestDeactivateDropsRemoteRows(t *testing.T) {
	fs := &fakeStore{rows: []complaint.Complaint{row("f1", "fire", 1), row("t1", "trash", 2)}}
	e, _ := newEngine(t, fs)

	require.NoError(t, e.Activate(context.Background(), &profile.Profile{AdminID: "1", Categories: []string{"fire"}}))
	assert.Equal(t, []string{"f1"}, ids(e.View()))

	e.Deactivate()
	assert.Empty(t, e.View())

	fs.set(nil, errors.New("connection refused"))
	err := e.Activate(context.Background(), &profile.Profile{AdminID: "2", Categories: []string{"trash"}})
	require.Error(t, err)
	assert.Equal(t, Disconnected, e.State())
	assert.Empty(t, e.View())
}

func TestFailedReactivationKeepsOnlyRowsTheNewProfileAccepts(t *testing.T) {
	fs := &fakeStore{rows: []complaint.Complaint{row("f1", "fire", 1), row("t1", "trash", 2)}}
	e, _ := newEngine(t, fs)

	require.NoError(t, e.Activate(context.Background(), &profile.Profile{AdminID: "1", Categories: []string{"fire", "trash"}}))
	assert.Equal(t, []string{"t1", "f1"}, ids(e.View()))

	fs.set(nil, errors.New("timeout"))
	require.Error(t, e.Activate(context.Background(), &profile.Profile{AdminID: "1", Categories: []string{"trash"}}))
	assert.Equal(t, Disconnected, e.State())
	assert.Equal(t, []string{"t1"}, ids(e.View()))
}

// stagedStore answers each ListComplaints call from its own stage, holding
// the call until the stage is released.
type stagedStore struct {
	mu      sync.Mutex
	stages  []*stage
	lists   int
	started chan int
	done    chan int
}

type stage struct {
	release chan struct{}
	rows    []complaint.Complaint
	err     error
}

func newStagedStore(stages ...*stage) *stagedStore {
	return &stagedStore{stages: stages, started: make(chan int, len(stages)), done: make(chan int, len(stages))}
}

func (s *stagedStore) ListComplaints(ctx context.Context) ([]complaint.Complaint, error) {
	s.mu.Lock()
	n := s.lists
	s.lists++
	st := s.stages[n]
	s.mu.Unlock()

	s.started <- n
	defer func() { s.done <- n }()
	if st.release != nil {
		select {
		case <-st.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return append([]complaint.Complaint(nil), st.rows...), st.err
}

func (s *stagedStore) SoftDeleteComplaints(context.Context, []string) error { return nil }

func (s *stagedStore) listCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

func waitFor(t *testing.T, ch <-chan int, want int) {
	t.Helper()
	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatalf("list call %d not observed", want)
	}
}

func newStagedEngine(t *testing.T, ss *stagedStore) (*Engine, *feed.Hub) {
	t.Helper()
	hub := feed.NewHub(16, nil)
	e := NewEngine(ss, hub, &fakeStatuses{}, nil)
	t.Cleanup(func() {
		e.Close()
		hub.Close()
	})
	return e, hub
}

func TestOverlappingFetchesLastToCompleteWins(t *testing.T) {
	first := &stage{release: make(chan struct{}), rows: []complaint.Complaint{row("first", "fire", 1)}}
	second := &stage{release: make(chan struct{}), rows: []complaint.Complaint{row("second", "fire", 2)}}
	ss := newStagedStore(&stage{rows: []complaint.Complaint{row("initial", "fire", 0)}}, first, second)
	e, hub := newStagedEngine(t, ss)

	require.NoError(t, e.Activate(context.Background(), nil))
	waitFor(t, ss.started, 0)
	assert.Equal(t, []string{"initial"}, ids(e.View()))

	hub.Publish(feed.Event{Table: "complaints", Kind: feed.KindUpdate})
	waitFor(t, ss.started, 1)
	hub.Publish(feed.Event{Table: "complaints", Kind: feed.KindUpdate})
	waitFor(t, ss.started, 2)
	assert.Equal(t, 3, ss.listCount())

	close(second.release)
	assert.Eventually(t, func() bool { return slices.Equal([]string{"second"}, ids(e.View())) }, time.Second, 5*time.Millisecond)

	close(first.release)
	assert.Eventually(t, func() bool { return slices.Equal([]string{"first"}, ids(e.View())) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Synced, e.State())
}

func TestStaleFailureDoesNotDowngradeNewerSync(t *testing.T) {
	failing := &stage{release: make(chan struct{}), err: errors.New("timeout")}
	fresh := &stage{release: make(chan struct{}), rows: []complaint.Complaint{row("fresh", "fire", 2)}}
	ss := newStagedStore(&stage{rows: []complaint.Complaint{row("initial", "fire", 0)}}, failing, fresh)
	e, hub := newStagedEngine(t, ss)

	require.NoError(t, e.Activate(context.Background(), nil))
	waitFor(t, ss.started, 0)
	waitFor(t, ss.done, 0)

	hub.Publish(feed.Event{Table: "complaints", Kind: feed.KindUpdate})
	waitFor(t, ss.started, 1)
	hub.Publish(feed.Event{Table: "complaints", Kind: feed.KindUpdate})
	waitFor(t, ss.started, 2)

	close(fresh.release)
	waitFor(t, ss.done, 2)
	assert.Eventually(t, func() bool { return e.State() == Synced }, time.Second, 5*time.Millisecond)

	close(failing.release)
	waitFor(t, ss.done, 1)
	assert.Never(t, func() bool { return e.State() != Synced }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []string{"fresh"}, ids(e.View()))
}

type recordingReconciler struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingReconciler) Reconcile(_ context.Context, items []complaint.Complaint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ids(items))
	return nil
}

func (r *recordingReconciler) snapshot() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

func TestReconcilerSeesEveryFetchedTable(t *testing.T) {
	recon := &recordingReconciler{}
	fs := &fakeStore{rows: []complaint.Complaint{row("f1", "fire", 1), row("t1", "trash", 2)}}
	e, hub := newEngine(t, fs, WithReconciler(recon))

	require.NoError(t, e.Activate(context.Background(), &profile.Profile{AdminID: "1", Categories: []string{"fire"}}))
	assert.Equal(t, []string{"f1"}, ids(e.View()))
	// unfiltered, so the index keeps categories this admin does not watch
	assert.Equal(t, [][]string{{"f1", "t1"}}, recon.snapshot())

	fs.set([]complaint.Complaint{row("t1", "trash", 2)}, nil)
	hub.Publish(feed.Event{Table: "complaints", Kind: feed.KindDelete, ID: "f1"})
	assert.Eventually(t, func() bool { return len(recon.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"t1"}, recon.snapshot()[1])

	fs.set(nil, errors.New("timeout"))
	hub.Publish(feed.Event{Table: "complaints", Kind: feed.KindUpdate})
	assert.Eventually(t, func() bool { return fs.listCount() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, recon.snapshot(), 2)
}
