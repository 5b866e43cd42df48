package permissions

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/asakaida/permgate/pkg/cache/memorycache"
)

func TestCache_PermittedActions(t *testing.T) {
	c := NewCache()

	if c.IsCached("Order") {
		t.Fatal("expected empty cache")
	}
	if _, ok := c.PermittedActions("Order"); ok {
		t.Fatal("expected absent actions for an unfetched type")
	}

	c.AddPermissions("Order", []string{"read", "write"})
	if !c.IsCached("Order") {
		t.Fatal("expected AddPermissions to mark the type cached")
	}
	got, ok := c.PermittedActions("Order")
	if !ok {
		t.Fatal("expected permitted actions")
	}
	if diff := cmp.Diff([]string{"read", "write"}, got.Sorted()); diff != "" {
		t.Errorf("PermittedActions mismatch (-want +got):\n%s", diff)
	}

	// Overwrites rather than merges.
	c.AddPermissions("Order", []string{"delete"})
	got, _ = c.PermittedActions("Order")
	if diff := cmp.Diff([]string{"delete"}, got.Sorted()); diff != "" {
		t.Errorf("PermittedActions after overwrite mismatch (-want +got):\n%s", diff)
	}

	// An empty grant is cached but reads as absent.
	c.AddPermissions("Invoice", nil)
	if !c.IsCached("Invoice") {
		t.Error("expected an empty grant to be cached")
	}
	if _, ok := c.PermittedActions("Invoice"); ok {
		t.Error("expected an empty grant to read as absent")
	}
}

func TestCache_DigitalFilters(t *testing.T) {
	c := NewCache()
	c.AddDigitalFilters("Order", map[string]json.RawMessage{"read": json.RawMessage(`{"x":1}`)})

	got := c.DigitalFilters([]string{"Order", "Invoice"})
	want := map[string]map[string]json.RawMessage{
		"Order":   {"read": json.RawMessage(`{"x":1}`)},
		"Invoice": {},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DigitalFilters mismatch (-want +got):\n%s", diff)
	}

	got["Order"]["read"][0] = '!'
	again := c.DigitalFilters([]string{"Order"})
	if string(again["Order"]["read"]) != `{"x":1}` {
		t.Errorf("DigitalFilters result aliases cache: %s", again["Order"]["read"])
	}
}

func TestCache_Headers(t *testing.T) {
	c := NewCache()
	if _, ok := c.CachedHeaders("Order"); ok {
		t.Fatal("expected no headers")
	}

	h := http.Header{"X-Trace": {"t1"}}
	c.AddCachedHeaders("Order", h)
	h.Set("X-Trace", "changed")

	got, ok := c.CachedHeaders("Order")
	if !ok || got.Get("X-Trace") != "t1" {
		t.Errorf("CachedHeaders = %v, %v; want t1", got, ok)
	}
}

func TestCache_PortalData(t *testing.T) {
	c := NewCache()
	c.AddPortalData("Order", json.RawMessage(`{"foo":1}`))
	c.AddPermissions("Invoice", []string{"read"})

	got := c.PortalData([]string{"Order", "Invoice", "Customer"})
	want := map[string]json.RawMessage{"Order": json.RawMessage(`{"foo":1}`)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("PortalData mismatch (-want +got):\n%s", diff)
	}
}

func TestCache_PutIsAtomicAndCopied(t *testing.T) {
	c := NewCache()
	e := &Entry{
		PermittedActions:     NewActionSet("read"),
		ActionDigitalFilters: map[string]json.RawMessage{"read": json.RawMessage(`1`)},
		ResponseHeaders:      http.Header{"X-Trace": {"t1"}},
		PortalData:           json.RawMessage(`{"foo":1}`),
	}
	if err := c.Put(context.Background(), "Order", e); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	e.PermittedActions["write"] = struct{}{}

	got, _ := c.PermittedActions("Order")
	if got.Has("write") {
		t.Error("Put kept a reference to the caller's entry")
	}
	if headers, _ := c.CachedHeaders("Order"); headers.Get("X-Trace") != "t1" {
		t.Errorf("unexpected headers %v", headers)
	}
}

func TestCache_OnlyGrantsMarkCached(t *testing.T) {
	ctx := context.Background()
	c := NewCache()

	c.AddDigitalFilters("Order", map[string]json.RawMessage{"read": json.RawMessage(`1`)})
	c.AddCachedHeaders("Invoice", http.Header{"X-Trace": {"t1"}})
	c.AddPortalData("Customer", json.RawMessage(`{"foo":1}`))
	for _, et := range []string{"Order", "Invoice", "Customer"} {
		if c.IsCached(et) {
			t.Errorf("IsCached(%s) = true after adding data without permissions", et)
		}
		if c.Load(ctx, et) {
			t.Errorf("Load(%s) = true after adding data without permissions", et)
		}
	}

	// Recording the grant later completes the entry.
	c.AddPermissions("Order", []string{"read"})
	if !c.IsCached("Order") {
		t.Error("expected Order cached once permissions were added")
	}
	if got := c.DigitalFilters([]string{"Order"})["Order"]; len(got) != 1 {
		t.Errorf("expected filters to survive AddPermissions, got %v", got)
	}

	// A stored entry with an empty grant is still a cached answer.
	if err := c.Put(ctx, "Product", &Entry{}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !c.IsCached("Product") {
		t.Error("expected an empty grant from Put to be cached")
	}
}

func TestCache_TTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCache(WithTTL(time.Minute), WithClock(func() time.Time { return now }))
	c.AddPermissions("Order", []string{"read"})

	now = now.Add(59 * time.Second)
	if !c.IsCached("Order") {
		t.Fatal("expected entry to live within TTL")
	}
	now = now.Add(time.Second)
	if c.IsCached("Order") {
		t.Fatal("expected entry to expire at TTL")
	}
	if _, ok := c.PermittedActions("Order"); ok {
		t.Error("expected expired entry to be dropped")
	}
}

func TestCache_ForgetAndReset(t *testing.T) {
	store, _ := memorycache.New(&memorycache.Config{MaxSizeBytes: 1 << 20, DefaultTTL: time.Minute})
	ctx := context.Background()
	ns := Namespace("alice", "prod")
	c := NewCache(WithSharedStore(store, ns))

	c.Put(ctx, "Order", &Entry{PermittedActions: NewActionSet("read")})
	c.Put(ctx, "Invoice", &Entry{PermittedActions: NewActionSet("read")})

	if err := c.Forget(ctx, "Order"); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if c.Load(ctx, "Order") {
		t.Error("expected Order to be gone locally and in the shared store")
	}

	c.Reset()
	if c.IsCached("Invoice") {
		t.Error("expected Reset to clear local entries")
	}
	if !c.Load(ctx, "Invoice") {
		t.Error("expected Invoice to reload from the shared store")
	}
}

func TestCache_LoadIgnoresCorruptSharedRecords(t *testing.T) {
	store, _ := memorycache.New(&memorycache.Config{MaxSizeBytes: 1 << 20, DefaultTTL: time.Minute})
	ctx := context.Background()
	ns := Namespace("alice", "prod")
	store.Set(ctx, SharedKey(ns, "Order"), []byte("not json"), time.Minute)

	c := NewCache(WithSharedStore(store, ns))
	if c.Load(ctx, "Order") {
		t.Error("expected corrupt shared record to be a miss")
	}
}

func TestCache_LoadHonoursTTLOfSharedRecords(t *testing.T) {
	store, _ := memorycache.New(&memorycache.Config{MaxSizeBytes: 1 << 20, DefaultTTL: time.Hour})
	ctx := context.Background()
	ns := Namespace("alice", "prod")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	writer := NewCache(WithSharedStore(store, ns), WithClock(func() time.Time { return now }))
	writer.Put(ctx, "Order", &Entry{PermittedActions: NewActionSet("read")})

	later := now.Add(2 * time.Minute)
	reader := NewCache(WithSharedStore(store, ns), WithTTL(time.Minute), WithClock(func() time.Time { return later }))
	if reader.Load(ctx, "Order") {
		t.Error("expected a shared record older than the TTL to be a miss")
	}
}

func TestHeadersFromMap(t *testing.T) {
	got, err := HeadersFromMap(map[string]any{
		"Authorization": "Bearer abc",
		"X-Multi":       []any{"a", "b"},
		"X-Typed":       []string{"c"},
	})
	if err != nil {
		t.Fatalf("HeadersFromMap() error = %v", err)
	}
	want := http.Header{"Authorization": {"Bearer abc"}, "X-Multi": {"a", "b"}, "X-Typed": {"c"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("HeadersFromMap mismatch (-want +got):\n%s", diff)
	}

	if _, err := HeadersFromMap(map[string]any{"X-Bad": 1.0}); err == nil {
		t.Error("expected an error for a numeric header value")
	}
	if _, err := HeadersFromMap(map[string]any{"X-Bad": []any{"a", true}}); err == nil {
		t.Error("expected an error for a non-string list item")
	}
}

func TestParseResponse_PortalDataFalsy(t *testing.T) {
	for body, want := range map[string]bool{
		`{"portalData":null}`:  false,
		`{"portalData":false}`: false,
		`{"portalData":0}`:     false,
		`{"portalData":""}`:    false,
		`{}`:                   false,
		`{"portalData":"0"}`:   true,
		`{"portalData":[]}`:    true,
		`{"portalData":{}}`:    true,
		`{"portalData":1.5}`:   true,
	} {
		e, err := parseResponse([]byte(body), "Order", false)
		if err != nil {
			t.Fatalf("%s: parseResponse() error = %v", body, err)
		}
		if got := e.PortalData != nil; got != want {
			t.Errorf("%s: portal data kept = %v, want %v", body, got, want)
		}
	}
}

func TestSharedKeys(t *testing.T) {
	tests := []struct {
		name      string
		principal string
		scope     string
		want      string
	}{
		{name: "plain", principal: "alice", scope: "prod", want: "alice/prod/Order"},
		{name: "slash in principal", principal: "a/b", scope: "c", want: "a%2Fb/c/Order"},
		{name: "slash in scope", principal: "a", scope: "b/c", want: "a/b%2Fc/Order"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SharedKey(Namespace(tt.principal, tt.scope), "Order"); got != tt.want {
				t.Errorf("SharedKey() = %q, want %q", got, tt.want)
			}
		})
	}

	if got := PrincipalPrefix("a/b"); got != "a%2Fb/" {
		t.Errorf("PrincipalPrefix() = %q", got)
	}
}
