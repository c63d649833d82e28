package notifier

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rent-radar/internal/dedup"
	"rent-radar/internal/model"
	"rent-radar/internal/storage"

	"github.com/rs/zerolog"
)

func TestGateFailedDeliveryStaysUndeliveredAndKnown(t *testing.T) {
	t.Parallel()

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "gate.db"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	engine := dedup.New(store)
	listings := []model.Listing{
		{ID: "ok", Title: "ok", URL: "https://example.com/ok"},
		{ID: "bad", Title: "bad", URL: "https://example.com/bad"},
	}
	fresh, err := engine.FilterNew(ctx, "sub-d", listings)
	if err != nil || len(fresh) != 2 {
		t.Fatalf("FilterNew: fresh=%d err=%v", len(fresh), err)
	}

	d := &recordingDeliverer{failIDs: map[string]error{"bad": errors.New("chat unreachable")}}
	gate := NewGate(d, store, GateConfig{MinDelay: "0s"}, zerolog.Nop())
	report := gate.Deliver(ctx, model.Subscription{ID: "sub-d"}, fresh)
	if report.Attempted != 2 || report.Delivered != 1 || len(report.Failed) != 1 || report.Failed[0].ListingID != "bad" {
		t.Fatalf("unexpected report %+v", report)
	}

	undelivered := false
	pending, err := store.ListHistory(ctx, "sub-d", storage.HistoryQuery{Delivered: &undelivered})
	if err != nil {
		t.Fatalf("ListHistory error: %v", err)
	}
	if len(pending) != 1 || pending[0].ListingID != "bad" {
		t.Fatalf("expected failed listing to stay undelivered, got %+v", pending)
	}

	again, err := engine.FilterNew(ctx, "sub-d", listings)
	if err != nil {
		t.Fatalf("FilterNew repeat error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("failed listing must not be new again, got %+v", again)
	}
}

func TestGateEnforcesMinimumDelay(t *testing.T) {
	t.Parallel()

	d := &recordingDeliverer{}
	gate := NewGate(d, &stubMarker{}, GateConfig{MinDelay: "40ms"}, zerolog.Nop())

	report := gate.Deliver(context.Background(), model.Subscription{ID: "pace"}, listingsN(3))
	if report.Delivered != 3 {
		t.Fatalf("expected 3 delivered, got %+v", report)
	}
	times := d.times()
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < 30*time.Millisecond {
			t.Fatalf("delivery %d came %v after the previous one", i, gap)
		}
	}
}

func TestGateEvictsIdleLanes(t *testing.T) {
	t.Parallel()

	gate := NewGate(&recordingDeliverer{}, &stubMarker{}, GateConfig{MinDelay: "10ms"}, zerolog.Nop())
	ctx := context.Background()
	gate.Deliver(ctx, model.Subscription{ID: "gone"}, listingsN(1))
	time.Sleep(30 * time.Millisecond)
	gate.Deliver(ctx, model.Subscription{ID: "kept"}, listingsN(1))

	gate.mu.Lock()
	_, stale := gate.lanes["gone"]
	n := len(gate.lanes)
	gate.mu.Unlock()
	if stale || n != 1 {
		t.Fatalf("expected only the latest lane kept, stale=%v lanes=%d", stale, n)
	}
}

func TestGateSerializesPerSubscriber(t *testing.T) {
	t.Parallel()

	d := &recordingDeliverer{hold: 10 * time.Millisecond}
	gate := NewGate(d, &stubMarker{}, GateConfig{MinDelay: "0s"}, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gate.Deliver(context.Background(), model.Subscription{ID: "same"}, listingsN(2))
		}()
	}
	wg.Wait()
	if d.maxInFlight() != 1 {
		t.Fatalf("expected serialized delivery, max in flight %d", d.maxInFlight())
	}
}

func TestGateStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	d := &recordingDeliverer{onDeliver: func() { cancel() }}
	gate := NewGate(d, &stubMarker{}, GateConfig{MinDelay: "1h"}, zerolog.Nop())

	report := gate.Deliver(ctx, model.Subscription{ID: "cancel"}, listingsN(3))
	if !report.Canceled || report.Attempted != 1 {
		t.Fatalf("expected cancel after first delivery, got %+v", report)
	}
}

func TestGateCountsMarkFailure(t *testing.T) {
	t.Parallel()

	d := &recordingDeliverer{}
	gate := NewGate(d, &stubMarker{err: storage.ErrNotFound}, GateConfig{MinDelay: "0s"}, zerolog.Nop())
	report := gate.Deliver(context.Background(), model.Subscription{ID: "m"}, listingsN(1))
	if report.Delivered != 0 || len(report.Failed) != 1 || !errors.Is(report.Failed[0].Err, storage.ErrNotFound) {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestGateAppliesTimeout(t *testing.T) {
	t.Parallel()

	d := &recordingDeliverer{block: true}
	gate := NewGate(d, &stubMarker{}, GateConfig{MinDelay: "0s", Timeout: "20ms"}, zerolog.Nop())
	report := gate.Deliver(context.Background(), model.Subscription{ID: "slow"}, listingsN(1))
	if len(report.Failed) != 1 || !errors.Is(report.Failed[0].Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline failure, got %+v", report)
	}
}

// --- stubs ---

func listingsN(n int) []model.Listing {
	out := make([]model.Listing, 0, n)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		out = append(out, model.Listing{ID: id, Title: "listing " + id})
	}
	return out
}

type recordingDeliverer struct {
	mu        sync.Mutex
	delivered []string
	stamps    []time.Time
	failIDs   map[string]error
	hold      time.Duration
	block     bool
	onDeliver func()
	inFlight  int
	peak      int
}

func (r *recordingDeliverer) Deliver(ctx context.Context, _ model.Subscription, l model.Listing) error {
	r.mu.Lock()
	r.inFlight++
	if r.inFlight > r.peak {
		r.peak = r.inFlight
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}()

	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if r.hold > 0 {
		time.Sleep(r.hold)
	}
	r.mu.Lock()
	r.delivered = append(r.delivered, l.ID)
	r.stamps = append(r.stamps, time.Now())
	err := r.failIDs[l.ID]
	r.mu.Unlock()
	if r.onDeliver != nil {
		r.onDeliver()
	}
	return err
}

func (r *recordingDeliverer) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.delivered...)
}

func (r *recordingDeliverer) times() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.stamps...)
}

func (r *recordingDeliverer) maxInFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

type stubMarker struct {
	mu     sync.Mutex
	marked []string
	err    error
}

func (s *stubMarker) MarkDelivered(_ context.Context, subscriberID, listingID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.marked = append(s.marked, subscriberID+"/"+listingID)
	return nil
}
