package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFingerprint_TrimsPrompt(t *testing.T) {
	a := Fingerprint("  what is 2+2  \n", "flash")
	b := Fingerprint("what is 2+2", "flash")
	if a != b {
		t.Error("whitespace-only prompt differences should hit the same fingerprint")
	}

	c := Fingerprint("what is 2+2", "pro")
	if a == c {
		t.Error("different models must produce different fingerprints")
	}

	d := Fingerprint("what is 2+3", "flash")
	if a == d {
		t.Error("different prompts must produce different fingerprints")
	}
}

func TestGetSet(t *testing.T) {
	c := New(10, time.Minute)
	key := Fingerprint("p", "m")

	if _, ok := c.Get(key); ok {
		t.Fatal("empty cache should miss")
	}

	c.Set(key, Entry{Response: "four", Model: "m", InputTokens: 3, OutputTokens: 1})

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if got.Response != "four" || got.Model != "m" {
		t.Errorf("entry = %+v", got)
	}

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", s.Hits, s.Misses)
	}
}

func TestLRUEviction(t *testing.T) {
	c := New(2, time.Minute)
	c.Set("a", Entry{Response: "1"})
	c.Set("b", Entry{Response: "2"})

	// Touch "a" so "b" becomes the eviction candidate.
	c.Get("a")
	c.Set("c", Entry{Response: "3"})

	if c.Has("b") {
		t.Error("least recently used entry should have been evicted")
	}
	if !c.Has("a") || !c.Has("c") {
		t.Error("recently used entries should survive")
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("Evictions = %d, want 1", got)
	}
}

func TestSetPromotes(t *testing.T) {
	c := New(2, time.Minute)
	c.Set("a", Entry{Response: "1"})
	c.Set("b", Entry{Response: "2"})
	// Re-setting "a" promotes it, so "b" is evicted next.
	c.Set("a", Entry{Response: "1x"})
	c.Set("c", Entry{Response: "3"})

	if c.Has("b") {
		t.Error("b should have been evicted after a was promoted by Set")
	}
	got, _ := c.Get("a")
	if got.Response != "1x" {
		t.Errorf("Set should update in place, got %q", got.Response)
	}
}

func TestExpiry(t *testing.T) {
	c := New(10, time.Minute)
	c.Set("k", Entry{Response: "v", CreatedAt: time.Now().Add(-2 * time.Minute)})

	if _, ok := c.Get("k"); ok {
		t.Fatal("expired entry should miss")
	}
	s := c.Stats()
	if s.Expirations != 1 {
		t.Errorf("Expirations = %d, want 1", s.Expirations)
	}
	if s.Evictions != 0 {
		t.Errorf("Evictions = %d, want 0; expiry is not eviction", s.Evictions)
	}
	if s.Entries != 0 {
		t.Errorf("Entries = %d, want 0 after lazy removal", s.Entries)
	}
}

func TestExpiresAtOverride(t *testing.T) {
	c := New(10, time.Minute)

	c.Set("short", Entry{
		Response:  "v",
		CreatedAt: time.Now().Add(-10 * time.Second),
		ExpiresAt: time.Now().Add(-time.Second),
	})
	if _, ok := c.Get("short"); ok {
		t.Fatal("entry past its override should miss")
	}

	// The override outlives the cache-wide TTL.
	c.Set("long", Entry{
		Response:  "v",
		CreatedAt: time.Now().Add(-2 * time.Minute),
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if _, ok := c.Get("long"); !ok {
		t.Fatal("entry inside its override should hit")
	}
}

func TestInvalidateAndClear(t *testing.T) {
	c := New(10, time.Minute)
	c.Set("a", Entry{Response: "1"})
	c.Set("b", Entry{Response: "2"})

	c.Invalidate("a")
	if c.Has("a") {
		t.Error("invalidated key should be gone")
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len = %d after Clear, want 0", c.Len())
	}
}

func TestPersistLoad_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")

	c := New(10, time.Minute)
	c.Set("a", Entry{Response: "1", Model: "m"})
	c.Set("b", Entry{Response: "2", Model: "m"})
	if err := c.Persist(path); err != nil {
		t.Fatal(err)
	}

	c2 := New(10, time.Minute)
	if err := c2.Load(path); err != nil {
		t.Fatal(err)
	}
	if c2.Len() != 2 {
		t.Fatalf("loaded %d entries, want 2", c2.Len())
	}
	got, ok := c2.Get("b")
	if !ok || got.Response != "2" {
		t.Errorf("loaded entry = %+v, %v", got, ok)
	}
}

func TestLoad_SkipsExpiredAndMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")

	live, _ := json.Marshal([2]any{"live", Entry{Response: "ok", CreatedAt: time.Now()}})
	stale, _ := json.Marshal([2]any{"stale", Entry{Response: "old", CreatedAt: time.Now().Add(-2 * time.Hour)}})
	pf := persistFile{
		Version: persistVersion,
		Entries: []json.RawMessage{
			live,
			stale,
			json.RawMessage(`"not a pair"`),
			json.RawMessage(`[42, {}]`),
		},
	}
	data, _ := json.Marshal(pf)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(10, time.Minute)
	if err := c.Load(path); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 {
		t.Fatalf("loaded %d entries, want only the live one", c.Len())
	}
	if !c.Has("live") {
		t.Error("live entry missing after load")
	}
}

func TestLoad_MissingFileAndBadJSON(t *testing.T) {
	c := New(10, time.Minute)
	if err := c.Load(filepath.Join(t.TempDir(), "absent.json")); err != nil {
		t.Errorf("missing file should not error, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "garbage.json")
	os.WriteFile(path, []byte("{{{"), 0o644)
	if err := c.Load(path); err != nil {
		t.Errorf("malformed file should be skipped, got %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}

func TestLoad_PreservesRecencyOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")

	c := New(3, time.Minute)
	c.Set("oldest", Entry{Response: "1"})
	c.Set("middle", Entry{Response: "2"})
	c.Set("newest", Entry{Response: "3"})
	if err := c.Persist(path); err != nil {
		t.Fatal(err)
	}

	c2 := New(3, time.Minute)
	if err := c2.Load(path); err != nil {
		t.Fatal(err)
	}
	// A new Set should evict "oldest", proving order survived the roundtrip.
	c2.Set("extra", Entry{Response: "4"})
	if c2.Has("oldest") {
		t.Error("oldest entry should be the eviction candidate after load")
	}
	if !c2.Has("newest") || !c2.Has("middle") {
		t.Error("recent entries should survive load-then-evict")
	}
}

func TestLoad_VersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	data, _ := json.Marshal(persistFile{Version: 99})
	os.WriteFile(path, data, 0o644)

	c := New(10, time.Minute)
	if err := c.Load(path); err != nil {
		t.Errorf("version mismatch should not error, got %v", err)
	}
	if c.Len() != 0 {
		t.Error("version mismatch should load nothing")
	}
}
