package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"versebot/internal/domain"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertUser_InsertThenUpdate(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.UpsertUser(ctx, domain.UserRecord{UserID: "1", Username: "alice", FirstName: "Alice"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Empty fields in the update must not clobber existing values.
	if err := store.UpsertUser(ctx, domain.UserRecord{UserID: "1", LastName: "Smith"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	u, err := store.GetUser(ctx, "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u == nil {
		t.Fatal("user not found")
	}
	if u.Username != "alice" || u.FirstName != "Alice" || u.LastName != "Smith" {
		t.Errorf("unexpected user: %+v", u)
	}
}

func TestGetUser_Missing(t *testing.T) {
	store := testStore(t)
	u, err := store.GetUser(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u != nil {
		t.Errorf("expected nil for missing user, got %+v", u)
	}
}

func TestAppendAndGetMessages(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		if err := store.AppendMessage(ctx, domain.MessageLogEntry{
			UserID: "7", Text: text, Kind: domain.KindText,
		}); err != nil {
			t.Fatalf("append %q: %v", text, err)
		}
	}
	if err := store.AppendMessage(ctx, domain.MessageLogEntry{
		UserID: "7", Text: "reply", Kind: domain.KindText, FromBot: true, HandlerName: "assistant",
	}); err != nil {
		t.Fatalf("append reply: %v", err)
	}

	msgs, err := store.GetMessages(ctx, "7", 10)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "one" {
		t.Errorf("expected oldest first, got %q", msgs[0].Text)
	}
	last := msgs[3]
	if !last.FromBot || last.HandlerName != "assistant" {
		t.Errorf("bot attribution lost: %+v", last)
	}
}

func TestUpsertStats_ExactCounts(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.UpsertStats(ctx, "poet", true); err != nil {
			t.Fatalf("upsert success: %v", err)
		}
	}
	if err := store.UpsertStats(ctx, "poet", false); err != nil {
		t.Fatalf("upsert failure: %v", err)
	}

	stats, err := store.GetStats(ctx, "poet")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected one row, got %d", len(stats))
	}
	st := stats[0]
	if st.RequestCount != 4 || st.SuccessCount != 3 || st.ErrorCount != 1 {
		t.Errorf("unexpected counters: %+v", st)
	}
	if st.RequestCount != st.SuccessCount+st.ErrorCount {
		t.Errorf("request_count must equal success+error: %+v", st)
	}
	if st.LastRequest.IsZero() {
		t.Error("last_request not set")
	}
}

func TestUpsertStats_Concurrent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(success bool) {
			defer wg.Done()
			if err := store.UpsertStats(ctx, "assistant", success); err != nil {
				t.Errorf("concurrent upsert: %v", err)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	stats, err := store.GetStats(ctx, "assistant")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats[0].RequestCount != n {
		t.Errorf("expected %d requests, got %d", n, stats[0].RequestCount)
	}
	if stats[0].SuccessCount != n/2 || stats[0].ErrorCount != n/2 {
		t.Errorf("unexpected split: %+v", stats[0])
	}
}

func TestGetStats_All(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	store.UpsertStats(ctx, "assistant", true)
	store.UpsertStats(ctx, "poet", false)

	stats, err := store.GetStats(ctx, "")
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(stats))
	}
	if stats[0].HandlerName != "assistant" || stats[1].HandlerName != "poet" {
		t.Errorf("expected name order, got %+v", stats)
	}
}
