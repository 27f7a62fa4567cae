package history_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxloop/internal/history"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXLOOP_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXLOOP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXLOOP_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *history.PostgresStore {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS chat_turns CASCADE"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	store, err := history.NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestPostgresStore_WriteAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i, text := range []string{"a", "b", "c", "d"} {
		role := history.RoleUser
		if i%2 == 1 {
			role = history.RoleAssistant
		}
		turn := history.Turn{Role: role, Text: text, At: base.Add(time.Duration(i) * time.Second)}
		if err := store.WriteTurn(ctx, "conv", turn); err != nil {
			t.Fatalf("WriteTurn: %v", err)
		}
	}
	if err := store.WriteTurn(ctx, "other", history.Turn{Role: history.RoleUser, Text: "x", At: base}); err != nil {
		t.Fatalf("WriteTurn: %v", err)
	}

	got, err := store.Recent(ctx, "conv", 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"b", "c", "d"} {
		if got[i].Text != want {
			t.Errorf("[%d] = %q, want %q", i, got[i].Text, want)
		}
	}
	if got[0].Role != history.RoleAssistant {
		t.Errorf("role = %q, want assistant", got[0].Role)
	}

	empty, err := store.Recent(ctx, "missing", 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("Recent(missing) = %v, want empty non-nil", empty)
	}
}

func TestPostgresStore_HistoryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	h := history.New(history.WithStore(store), history.WithConversationID("rt"))
	h.AppendUser("what time is it")
	h.AppendAssistant("It is noon.")
	if err := h.FinishTurn(ctx); err != nil {
		t.Fatalf("FinishTurn: %v", err)
	}

	restored := history.New(history.WithStore(store), history.WithConversationID("rt"))
	if err := restored.Load(ctx, 10); err != nil {
		t.Fatalf("Load: %v", err)
	}
	snap := restored.Snapshot()
	if len(snap) != 2 || snap[1].Text != "It is noon." {
		t.Fatalf("restored = %+v", snap)
	}
}
