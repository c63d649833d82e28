package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rent-radar/internal/model"

	"gorm.io/datatypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestInsertIfAbsentIsIdempotent(t *testing.T) {
	t.Parallel()

	testInsertIfAbsentIsIdempotent(t, newTestStore(t))
}

func TestInsertIfAbsentScopesBySubscriber(t *testing.T) {
	t.Parallel()

	testInsertIfAbsentScopesBySubscriber(t, newTestStore(t))
}

func TestInsertIfAbsentConcurrent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.InsertIfAbsent(ctx, model.HistoryEntry{SubscriberID: "s1", ListingID: "l1"})
			if err != nil {
				t.Errorf("InsertIfAbsent error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("expected exactly one creation, got %d", created)
	}
}

func TestMarkDeliveredAndHistoryFilters(t *testing.T) {
	t.Parallel()

	testMarkDeliveredAndHistoryFilters(t, newTestStore(t))
}

func TestRunLogAppendAndList(t *testing.T) {
	t.Parallel()

	testRunLogAppendAndList(t, newTestStore(t))
}

func TestSubscriptionLifecycle(t *testing.T) {
	t.Parallel()

	testSubscriptionLifecycle(t, newTestStore(t))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), Config{Driver: "mysql"}); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
	if _, err := Open(context.Background(), Config{Driver: "postgres"}); err == nil {
		t.Fatalf("expected error for missing dsn")
	}
}

// Postgres 用例需要真实数据库，未设置 PG_TEST_DSN 时跳过。
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	ctx := context.Background()
	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore error: %v", err)
	}
	t.Cleanup(func() {
		_, _ = store.pool.Exec(ctx, `TRUNCATE history_entries, run_logs, subscriptions`)
		_ = store.Close()
	})
	_, _ = store.pool.Exec(ctx, `TRUNCATE history_entries, run_logs, subscriptions`)

	t.Run("idempotent", func(t *testing.T) { testInsertIfAbsentIsIdempotent(t, store) })
	t.Run("scoped", func(t *testing.T) { testInsertIfAbsentScopesBySubscriber(t, store) })
	t.Run("delivered", func(t *testing.T) { testMarkDeliveredAndHistoryFilters(t, store) })
	t.Run("runlog", func(t *testing.T) { testRunLogAppendAndList(t, store) })
	t.Run("subscription", func(t *testing.T) { testSubscriptionLifecycle(t, store) })
}

// --- shared cases ---

func testInsertIfAbsentIsIdempotent(t *testing.T, store Backend) {
	ctx := context.Background()
	entry := model.HistoryEntry{SubscriberID: "idem", ListingID: "abc", URL: "https://example.com/abc", Title: "2 bed"}

	for i := 0; i < 4; i++ {
		created, err := store.InsertIfAbsent(ctx, entry)
		if err != nil {
			t.Fatalf("InsertIfAbsent #%d error: %v", i, err)
		}
		if created != (i == 0) {
			t.Fatalf("evaluation #%d: expected created=%v, got %v", i, i == 0, created)
		}
	}
	total, err := store.CountHistory(ctx, "idem", HistoryQuery{})
	if err != nil {
		t.Fatalf("CountHistory error: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected 1 entry, got %d", total)
	}
}

func testInsertIfAbsentScopesBySubscriber(t *testing.T, store Backend) {
	ctx := context.Background()
	for _, sub := range []string{"alice", "bob"} {
		created, err := store.InsertIfAbsent(ctx, model.HistoryEntry{SubscriberID: sub, ListingID: "shared"})
		if err != nil {
			t.Fatalf("InsertIfAbsent %s error: %v", sub, err)
		}
		if !created {
			t.Fatalf("expected listing to be new for %s", sub)
		}
	}
}

func testMarkDeliveredAndHistoryFilters(t *testing.T, store Backend) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		entry := model.HistoryEntry{
			SubscriberID: "deliv",
			ListingID:    fmt.Sprintf("l%d", i),
			FirstSeenAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if _, err := store.InsertIfAbsent(ctx, entry); err != nil {
			t.Fatalf("InsertIfAbsent error: %v", err)
		}
	}
	if err := store.MarkDelivered(ctx, "deliv", "l1", base.Add(time.Hour)); err != nil {
		t.Fatalf("MarkDelivered error: %v", err)
	}
	if err := store.MarkDelivered(ctx, "deliv", "missing", base); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	delivered := true
	got, err := store.ListHistory(ctx, "deliv", HistoryQuery{Delivered: &delivered})
	if err != nil {
		t.Fatalf("ListHistory error: %v", err)
	}
	if len(got) != 1 || got[0].ListingID != "l1" || got[0].DeliveredAt == nil {
		t.Fatalf("unexpected delivered history %+v", got)
	}

	undelivered := false
	got, err = store.ListHistory(ctx, "deliv", HistoryQuery{Delivered: &undelivered})
	if err != nil {
		t.Fatalf("ListHistory error: %v", err)
	}
	if len(got) != 2 || got[0].ListingID != "l2" || got[1].ListingID != "l0" {
		t.Fatalf("expected newest-first undelivered entries, got %+v", got)
	}

	// 已投递的记录再次评估仍然只是已知
	created, err := store.InsertIfAbsent(ctx, model.HistoryEntry{SubscriberID: "deliv", ListingID: "l1"})
	if err != nil || created {
		t.Fatalf("expected known listing, created=%v err=%v", created, err)
	}
}

func testRunLogAppendAndList(t *testing.T, store Backend) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	crit := model.SearchCriteria{Regions: []string{"dublin-city"}, MinBedrooms: 3, MaxPrice: 2500}

	for i := 0; i < 3; i++ {
		run := &model.RunLog{
			SubscriberID: "runs",
			Criteria:     model.CriteriaSnapshot(crit),
			Found:        5 + i,
			New:          i,
			StartedAt:    base.Add(time.Duration(i) * time.Hour),
			DurationMS:   1200,
			Outcome:      model.RunSuccess,
		}
		if err := store.AppendRunLog(ctx, run); err != nil {
			t.Fatalf("AppendRunLog error: %v", err)
		}
		if run.ID == "" {
			t.Fatalf("expected generated run id")
		}
	}

	runs, err := store.ListRunLogs(ctx, "runs", 2)
	if err != nil {
		t.Fatalf("ListRunLogs error: %v", err)
	}
	if len(runs) != 2 || runs[0].Found != 7 || runs[1].Found != 6 {
		t.Fatalf("unexpected run logs %+v", runs)
	}
	if runs[0].Criteria["max_price"] == nil {
		t.Fatalf("expected criteria snapshot, got %v", runs[0].Criteria)
	}
	if runs[0].Outcome != model.RunSuccess {
		t.Fatalf("unexpected outcome %s", runs[0].Outcome)
	}
}

func testSubscriptionLifecycle(t *testing.T, store Backend) {
	ctx := context.Background()
	sub := &model.Subscription{
		ID:          "sub-lifecycle",
		Channel:     "log",
		Regions:     datatypes.JSONSlice[string]{"dublin-city", "cork"},
		MinBedrooms: 2,
		MaxPrice:    2500,
		MaxPages:    3,
		Interval:    "@every 30m",
		Active:      true,
	}
	if err := store.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription error: %v", err)
	}

	got, err := store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription error: %v", err)
	}
	if len(got.Regions) != 2 || got.Regions[1] != "cork" || got.MaxPrice != 2500 {
		t.Fatalf("unexpected subscription %+v", got)
	}

	due, err := store.ListSubscribersDue(ctx)
	if err != nil {
		t.Fatalf("ListSubscribersDue error: %v", err)
	}
	if !containsID(due, sub.ID) {
		t.Fatalf("expected %s to be due, got %v", sub.ID, due)
	}

	got.MaxPrice = 3000
	if err := store.UpdateSubscription(ctx, &got); err != nil {
		t.Fatalf("UpdateSubscription error: %v", err)
	}
	if err := store.SetSubscriptionActive(ctx, sub.ID, false); err != nil {
		t.Fatalf("SetSubscriptionActive error: %v", err)
	}
	got, err = store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription error: %v", err)
	}
	if got.MaxPrice != 3000 || got.Active {
		t.Fatalf("expected updated inactive subscription, got %+v", got)
	}

	due, err = store.ListSubscribersDue(ctx)
	if err != nil {
		t.Fatalf("ListSubscribersDue error: %v", err)
	}
	if containsID(due, sub.ID) {
		t.Fatalf("inactive subscription still due")
	}

	if _, err := store.GetSubscription(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.SetSubscriptionActive(ctx, "nope", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
