package metadata

import "testing"

func TestNewFromPairs(t *testing.T) {
	md := New(KeyMessageID, "msg-1", KeyEventName, "order.created")

	if md.Get(KeyMessageID) != "msg-1" || md.Get(KeyEventName) != "order.created" {
		t.Fatalf("pairs not applied: %+v", md)
	}
	if len(md) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(md))
	}
}

func TestNewIgnoresDanglingKey(t *testing.T) {
	md := New("a", "1", "dangling")
	if len(md) != 1 || md.Get("a") != "1" {
		t.Fatalf("dangling key must be dropped: %+v", md)
	}
}

func TestGetNilSafe(t *testing.T) {
	var md Metadata
	if md.Get("anything") != "" {
		t.Fatalf("nil metadata must return empty values")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	original := New("a", "1")
	cloned := original.Clone()
	cloned["a"] = "2"
	cloned["b"] = "3"

	if original.Get("a") != "1" || original.Get("b") != "" {
		t.Fatalf("clone mutated the original: %+v", original)
	}
}

func TestCloneNilYieldsUsableMap(t *testing.T) {
	var md Metadata
	cloned := md.Clone()
	cloned["a"] = "1"
	if cloned.Get("a") != "1" {
		t.Fatalf("clone of nil metadata not writable")
	}
}

func TestWithDoesNotMutate(t *testing.T) {
	original := New("a", "1")
	extended := original.With("b", "2")

	if original.Get("b") != "" {
		t.Fatalf("With mutated the original: %+v", original)
	}
	if extended.Get("a") != "1" || extended.Get("b") != "2" {
		t.Fatalf("With lost entries: %+v", extended)
	}
}

func TestWithAllMergesOnTop(t *testing.T) {
	base := New("a", "1", "b", "2")
	merged := base.WithAll(New("b", "override", "c", "3"))

	if merged.Get("a") != "1" || merged.Get("b") != "override" || merged.Get("c") != "3" {
		t.Fatalf("merge wrong: %+v", merged)
	}
	if base.Get("b") != "2" {
		t.Fatalf("WithAll mutated the original: %+v", base)
	}
}
