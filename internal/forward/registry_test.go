package forward

import (
	"errors"
	"testing"
)

func TestPortMapInsertDuplicate(t *testing.T) {
	m := newPortMap[string]()
	if err := m.insert(2222, "a"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := m.insert(2222, "b")
	var dup *ErrDuplicateBinding
	if !errors.As(err, &dup) {
		t.Fatalf("want *ErrDuplicateBinding, got %v", err)
	}
	if dup.Port != 2222 {
		t.Fatalf("want port 2222, got %d", dup.Port)
	}
	// previous value untouched
	v, ok := m.get(2222)
	if !ok || v != "a" {
		t.Fatalf("got %q, %v", v, ok)
	}
}

func TestPortMapRemove(t *testing.T) {
	m := newPortMap[string]()
	m.insert(80, "x")
	v, ok := m.remove(80)
	if !ok || v != "x" {
		t.Fatalf("got %q, %v", v, ok)
	}
	if _, ok := m.remove(80); ok {
		t.Fatalf("expected second remove to report absent")
	}
}

func TestPortMapValuesAndLen(t *testing.T) {
	m := newPortMap[int]()
	m.insert(1, 10)
	m.insert(2, 20)
	if m.len() != 2 {
		t.Fatalf("want len 2, got %d", m.len())
	}
	sum := 0
	for _, v := range m.values() {
		sum += v
	}
	if sum != 30 {
		t.Fatalf("want sum 30, got %d", sum)
	}
}

func TestBindingRegistryLocalForwardLifecycle(t *testing.T) {
	r := newBindingRegistry()
	entry := LocalForwardingEntry{BoundHost: "0.0.0.0", RequestedHost: "example.com", Port: 2222}

	if err := r.addLocalForward(entry); err != nil {
		t.Fatalf("addLocalForward: %v", err)
	}
	if err := r.addLocalForward(entry); err == nil {
		t.Fatalf("expected duplicate entry to be rejected")
	}

	got, ok := r.findLocalForward("example.com", 2222)
	if !ok || got != entry {
		t.Fatalf("findLocalForward by requested host: got %+v, %v", got, ok)
	}
	got, ok = r.findLocalForward("0.0.0.0", 2222)
	if !ok || got != entry {
		t.Fatalf("findLocalForward by bound host: got %+v, %v", got, ok)
	}

	r.removeLocalForward(entry)
	if _, ok := r.findLocalForward("example.com", 2222); ok {
		t.Fatalf("expected entry to be gone after removal")
	}
}
