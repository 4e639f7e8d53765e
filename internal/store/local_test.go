package store

import (
	"testing"
	"time"
)

func TestLocalSetAndGet(t *testing.T) {
	l := NewLocal(time.Hour)

	l.Set("feature-x", "status", "active")
	l.Set("feature-x", "value", true)

	v, ok := l.Get("feature-x", "status")
	if !ok || v != "active" {
		t.Fatalf("Get(status) = (%v, %v), want (active, true)", v, ok)
	}

	v, ok = l.Get("feature-x", "value")
	if !ok || v != true {
		t.Fatalf("Get(value) = (%v, %v), want (true, true)", v, ok)
	}

	if _, ok := l.Get("feature-x", "missing"); ok {
		t.Error("Get(missing key) = true, want false")
	}

	if _, ok := l.Get("does-not-exist", "status"); ok {
		t.Error("Get(missing name) = true, want false")
	}
}

func TestLocalGetAllReturnsCopy(t *testing.T) {
	l := NewLocal(time.Hour)
	l.Set("feature-x", "status", "active")

	attrs, ok := l.GetAll("feature-x")
	if !ok {
		t.Fatal("GetAll() ok = false, want true")
	}
	attrs["status"] = "mutated"

	attrs2, _ := l.GetAll("feature-x")
	if attrs2["status"] != "active" {
		t.Errorf("GetAll() returned a non-copy map; status = %v, want active", attrs2["status"])
	}
}

func TestLocalSetAllReplacesAttrs(t *testing.T) {
	l := NewLocal(time.Hour)
	l.Set("feature-x", "stale", "value")

	l.SetAll("feature-x", map[string]any{"status": "active"})

	attrs, ok := l.GetAll("feature-x")
	if !ok {
		t.Fatal("GetAll() ok = false, want true")
	}
	if _, exists := attrs["stale"]; exists {
		t.Error("SetAll did not drop the previous attribute set")
	}
	if attrs["status"] != "active" {
		t.Errorf("status = %v, want active", attrs["status"])
	}
}

func TestLocalExpiry(t *testing.T) {
	l := NewLocal(10 * time.Millisecond)
	l.Set("feature-x", "status", "active")

	if !l.Exists("feature-x") {
		t.Fatal("Exists() = false immediately after Set, want true")
	}

	time.Sleep(20 * time.Millisecond)

	if l.Exists("feature-x") {
		t.Error("Exists() = true after TTL elapsed, want false")
	}
	if _, ok := l.Get("feature-x", "status"); ok {
		t.Error("Get() succeeded after TTL elapsed, want miss")
	}
}

func TestLocalDeleteAndClear(t *testing.T) {
	l := NewLocal(time.Hour)
	l.Set("feature-a", "status", "active")
	l.Set("feature-b", "status", "active")

	l.Delete("feature-a")
	if l.Exists("feature-a") {
		t.Error("Exists(feature-a) = true after Delete, want false")
	}
	if !l.Exists("feature-b") {
		t.Error("Exists(feature-b) = false, want true (untouched by Delete)")
	}

	l.Clear()
	if l.Exists("feature-b") {
		t.Error("Exists(feature-b) = true after Clear, want false")
	}
}

func TestLocalListNamesExcludesExpired(t *testing.T) {
	l := NewLocal(10 * time.Millisecond)
	l.Set("fresh", "status", "active")

	names := l.ListNames()
	if len(names) != 1 || names[0] != "fresh" {
		t.Fatalf("ListNames() = %v, want [fresh]", names)
	}

	time.Sleep(20 * time.Millisecond)

	if names := l.ListNames(); len(names) != 0 {
		t.Errorf("ListNames() after expiry = %v, want empty", names)
	}
}

func TestNewLocalDefaultsTTL(t *testing.T) {
	l := NewLocal(0)
	if l.ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h default", l.ttl)
	}
}
