package pgcache

import (
	"context"
	"testing"
	"time"

	"github.com/asakaida/permgate/internal/infrastructure/database"
)

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "alice/prod/", want: "alice/prod/"},
		{in: "50%_off", want: `50\%\_off`},
		{in: `back\slash`, want: `back\\slash`},
	}
	for _, tt := range tests {
		if got := escapeLike(tt.in); got != tt.want {
			t.Errorf("escapeLike(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCache_Postgres(t *testing.T) {
	pg := database.SetupTestDB(t)
	defer database.CleanupTestDB(t, pg)

	ctx := context.Background()
	c := New(pg.DB, time.Minute)
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	t.Run("set and get", func(t *testing.T) {
		if err := c.Set(ctx, "alice/prod/Order", []byte(`{"a":1}`), 0); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		got, ok := c.Get(ctx, "alice/prod/Order")
		if !ok || string(got) != `{"a":1}` {
			t.Errorf("Get() = %s, %v", got, ok)
		}
		if _, ok := c.Get(ctx, "alice/prod/Missing"); ok {
			t.Error("expected miss for unknown key")
		}
	})

	t.Run("upsert", func(t *testing.T) {
		c.Set(ctx, "alice/prod/Order", []byte(`{"a":2}`), time.Minute)
		got, _ := c.Get(ctx, "alice/prod/Order")
		if string(got) != `{"a":2}` {
			t.Errorf("Get() after upsert = %s", got)
		}
	})

	t.Run("expired rows are misses and purged", func(t *testing.T) {
		c.Set(ctx, "alice/prod/Stale", []byte(`{}`), time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		if _, ok := c.Get(ctx, "alice/prod/Stale"); ok {
			t.Error("expected expired row to be a miss")
		}
		n, err := c.Purge(ctx)
		if err != nil {
			t.Fatalf("Purge() error = %v", err)
		}
		if n != 1 {
			t.Errorf("Purge() removed %d rows, want 1", n)
		}
	})

	t.Run("delete prefix", func(t *testing.T) {
		c.Set(ctx, "alice/prod/Invoice", []byte(`{}`), 0)
		c.Set(ctx, "alice/prod_2/Order", []byte(`{}`), 0)
		c.Set(ctx, "bob/prod/Order", []byte(`{}`), 0)

		if err := c.DeletePrefix(ctx, "alice/prod/"); err != nil {
			t.Fatalf("DeletePrefix() error = %v", err)
		}
		for key, want := range map[string]bool{
			"alice/prod/Order":   false,
			"alice/prod/Invoice": false,
			"alice/prod_2/Order": true,
			"bob/prod/Order":     true,
		} {
			if _, ok := c.Get(ctx, key); ok != want {
				t.Errorf("Get(%q) present = %v, want %v", key, ok, want)
			}
		}
	})

	t.Run("delete and clear", func(t *testing.T) {
		if err := c.Delete(ctx, "bob/prod/Order"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, ok := c.Get(ctx, "bob/prod/Order"); ok {
			t.Error("expected deleted key to be gone")
		}
		if err := c.Clear(ctx); err != nil {
			t.Fatalf("Clear() error = %v", err)
		}
		if _, ok := c.Get(ctx, "alice/prod_2/Order"); ok {
			t.Error("expected Clear to remove everything")
		}
	})

	if m := c.Metrics(); m.Hits == 0 || m.Misses == 0 {
		t.Errorf("expected hits and misses to be counted, got %+v", m)
	}
}
