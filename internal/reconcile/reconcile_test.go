package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dealdesk/engine/internal/draft"
	"dealdesk/engine/internal/locks"
	"dealdesk/engine/internal/remote"
)

type fakeStore struct {
	mu         sync.Mutex
	pending    []draft.Draft
	finalizing []draft.Draft
	statuses   map[string]draft.Status
	synced     map[string]int64
	purged     int64
	purgeCut   time.Time
}

func newFakeStore(pending ...draft.Draft) *fakeStore {
	return &fakeStore{
		pending:  pending,
		statuses: make(map[string]draft.Status),
		synced:   make(map[string]int64),
	}
}

func (f *fakeStore) ListPendingSync(context.Context) ([]draft.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]draft.Draft, len(f.pending))
	copy(out, f.pending)
	return out, nil
}

func (f *fakeStore) ListFinalizing(context.Context) ([]draft.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]draft.Draft, len(f.finalizing))
	copy(out, f.finalizing)
	return out, nil
}

func (f *fakeStore) SetStatus(_ context.Context, id string, to draft.Status) (draft.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = to
	// mirror the real store: a demotion to finalize_failed re-enters
	// the pending list
	for i, d := range f.finalizing {
		if d.ID == id {
			d.Status = to
			d.PendingSync = true
			f.finalizing = append(f.finalizing[:i], f.finalizing[i+1:]...)
			f.pending = append(f.pending, d)
			break
		}
	}
	return draft.Draft{ID: id, Status: to, PendingSync: true}, nil
}

func (f *fakeStore) MarkSynced(_ context.Context, id string, serverVersion int64) (draft.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced[id] = serverVersion
	return draft.Draft{ID: id}, nil
}

func (f *fakeStore) PurgeFinalized(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeCut = cutoff
	return f.purged, nil
}

type fakeService struct {
	mu       sync.Mutex
	versions map[string]remote.VersionInfo
	pushErr  error
	pushes   []string
	pushedV  map[string]int64
}

func newFakeService() *fakeService {
	return &fakeService{
		versions: make(map[string]remote.VersionInfo),
		pushedV:  make(map[string]int64),
	}
}

func (f *fakeService) GetVersion(_ context.Context, id string) (remote.VersionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[id], nil
}

func (f *fakeService) PushDraft(_ context.Context, id, dealID, templateID string, localVersion int64, fields map[string]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return 0, f.pushErr
	}
	f.pushes = append(f.pushes, id)
	f.pushedV[id] = localVersion
	return localVersion, nil
}

func pendingDraft(id string, localVersion int64, serverVersion *int64) draft.Draft {
	return draft.Draft{
		ID:            id,
		DealID:        "deal-1",
		TemplateID:    "tmpl-1",
		Status:        draft.StatusReady,
		LocalVersion:  localVersion,
		ServerVersion: serverVersion,
		PendingSync:   true,
		FieldValues:   map[string]any{"price": float64(100)},
	}
}

func TestSweepPushesPendingDrafts(t *testing.T) {
	store := newFakeStore(pendingDraft("doc-1", 4, nil))
	svc := newFakeService()
	r := New(Config{Store: store, Service: svc})

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(svc.pushes) != 1 || svc.pushes[0] != "doc-1" {
		t.Fatalf("pushes = %v, want [doc-1]", svc.pushes)
	}
	if store.synced["doc-1"] != 4 {
		t.Fatalf("synced version = %d, want 4", store.synced["doc-1"])
	}
}

func TestSweepSurfacesConflictWithoutPushing(t *testing.T) {
	last := int64(3)
	store := newFakeStore(pendingDraft("doc-1", 5, &last))
	svc := newFakeService()
	svc.versions["doc-1"] = remote.VersionInfo{ServerVersion: 8, Status: "finalized", Known: true}

	var conflicts []Conflict
	r := New(Config{Store: store, Service: svc, OnConflict: func(c Conflict) {
		conflicts = append(conflicts, c)
	}})

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(svc.pushes) != 0 {
		t.Fatalf("pushes = %v, conflicted draft must not be pushed", svc.pushes)
	}
	if len(store.synced) != 0 {
		t.Fatal("conflicted draft was marked synced")
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.DocumentID != "doc-1" || c.LocalVersion != 5 || c.ServerVersion != 8 || c.ServerStatus != "finalized" {
		t.Fatalf("conflict = %+v", c)
	}
}

func TestSweepMatchingServerVersionPushes(t *testing.T) {
	last := int64(8)
	store := newFakeStore(pendingDraft("doc-1", 9, &last))
	svc := newFakeService()
	svc.versions["doc-1"] = remote.VersionInfo{ServerVersion: 8, Status: "ready", Known: true}
	r := New(Config{Store: store, Service: svc})

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(svc.pushes) != 1 {
		t.Fatalf("pushes = %v, want push when server matches last known version", svc.pushes)
	}
}

func TestSweepSkipsLockedDocument(t *testing.T) {
	store := newFakeStore(pendingDraft("doc-1", 2, nil))
	svc := newFakeService()
	reg := locks.NewRegistry()
	r := New(Config{Store: store, Service: svc, Locks: reg})

	release := reg.Acquire("doc-1")
	defer release()

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(svc.pushes) != 0 {
		t.Fatalf("pushes = %v, locked document must be skipped", svc.pushes)
	}
}

func TestSweepRetriesFinalizeFailed(t *testing.T) {
	d := pendingDraft("doc-1", 6, nil)
	d.Status = draft.StatusFinalizeFailed
	store := newFakeStore(d)
	svc := newFakeService()

	var finalized []string
	r := New(Config{Store: store, Service: svc, Finalize: func(_ context.Context, id string) error {
		finalized = append(finalized, id)
		return nil
	}})

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(finalized) != 1 || finalized[0] != "doc-1" {
		t.Fatalf("finalize retries = %v, want [doc-1]", finalized)
	}
	if len(svc.pushes) != 0 {
		t.Fatalf("pushes = %v, finalize_failed goes through finalize, not draft push", svc.pushes)
	}
}

func TestSweepRecoversStuckFinalizing(t *testing.T) {
	stuck := pendingDraft("doc-1", 3, nil)
	stuck.Status = draft.StatusFinalizing
	stuck.PendingSync = false
	store := newFakeStore()
	store.finalizing = []draft.Draft{stuck}
	svc := newFakeService()

	var finalized []string
	r := New(Config{Store: store, Service: svc, Finalize: func(_ context.Context, id string) error {
		finalized = append(finalized, id)
		return nil
	}})

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if store.statuses["doc-1"] != draft.StatusFinalizeFailed {
		t.Fatalf("status = %q, want orphaned finalizing demoted to finalize_failed", store.statuses["doc-1"])
	}
	// the demoted draft is pending again and the same sweep retries it
	if len(finalized) != 1 || finalized[0] != "doc-1" {
		t.Fatalf("finalize retries = %v, want [doc-1]", finalized)
	}
	if len(svc.pushes) != 0 {
		t.Fatalf("pushes = %v, recovered draft goes through finalize, not draft push", svc.pushes)
	}
}

func TestSweepLeavesRunningFinalizeAlone(t *testing.T) {
	running := pendingDraft("doc-1", 3, nil)
	running.Status = draft.StatusFinalizing
	store := newFakeStore()
	store.finalizing = []draft.Draft{running}
	svc := newFakeService()
	reg := locks.NewRegistry()
	r := New(Config{Store: store, Service: svc, Locks: reg})

	release := reg.Acquire("doc-1")
	defer release()

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(store.statuses) != 0 {
		t.Fatalf("statuses = %v, a finalize holding the lock must not be demoted", store.statuses)
	}
}

func TestSweepPushErrorLeavesDraftPending(t *testing.T) {
	store := newFakeStore(pendingDraft("doc-1", 2, nil))
	svc := newFakeService()
	svc.pushErr = errors.New("backend unreachable")
	r := New(Config{Store: store, Service: svc})

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(store.synced) != 0 {
		t.Fatal("unreachable backend must not mark anything synced")
	}
}

func TestSweepPurgesExpiredFinalized(t *testing.T) {
	store := newFakeStore()
	store.purged = 3
	svc := newFakeService()
	r := New(Config{Store: store, Service: svc, Retention: 24 * time.Hour})

	before := time.Now().Add(-24 * time.Hour)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if store.purgeCut.Before(before.Add(-time.Minute)) || store.purgeCut.After(time.Now()) {
		t.Fatalf("purge cutoff = %v, want about 24h ago", store.purgeCut)
	}
}

func TestKickTriggersImmediateSweep(t *testing.T) {
	store := newFakeStore(pendingDraft("doc-1", 1, nil))
	svc := newFakeService()
	r := New(Config{Store: store, Service: svc, Policy: Policy{Interval: time.Hour}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	r.Kick()
	deadline := time.After(2 * time.Second)
	for {
		svc.mu.Lock()
		n := len(svc.pushes)
		svc.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("kick did not trigger a sweep before the interval")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
