package name

import (
	"testing"

	"github.com/dbusd/dbusd/internal/address"
	"github.com/dbusd/dbusd/internal/dbuserr"
	"github.com/dbusd/dbusd/internal/quota"
)

func users() (*quota.Registry, *quota.User, *quota.User) {
	r := quota.NewRegistry(quota.DefaultLimits())
	return r, r.RefUser(1), r.RefUser(2)
}

func TestRequestUnownedBecomesPrimary(t *testing.T) {
	_, uA, _ := users()
	reg := NewRegistry()

	_, result, change, err := reg.Request(100, uA, "com.example.Foo", Flags{})
	if err != nil {
		t.Fatal(err)
	}
	if result != PrimaryOwner {
		t.Fatalf("result = %v, want PrimaryOwner", result)
	}
	if change.OldOwner != address.Invalid || change.NewOwner != 100 {
		t.Fatalf("unexpected change: %+v", change)
	}
}

func TestRequestQueueingAndReplace(t *testing.T) {
	_, uA, uB := users()
	reg := NewRegistry()

	reg.Request(100, uA, "com.example.Foo", Flags{AllowReplacement: true})

	// A third claimant (300) without replace-existing queues behind A.
	_, result, change, err := reg.Request(300, uB, "com.example.Foo", Flags{})
	if err != nil {
		t.Fatal(err)
	}
	if result != InQueue {
		t.Fatalf("result = %v, want InQueue (no replace-existing requested)", result)
	}
	if change != nil {
		t.Fatal("queueing must not generate a NameOwnerChanged")
	}

	// End-to-end scenario 1: B requests with replace-existing=1 against
	// A's allow-replacement=1 primary.
	_, result2, change2, err := reg.Request(200, uB, "com.example.Foo", Flags{ReplaceExisting: true})
	if err != nil {
		t.Fatal(err)
	}
	if result2 != PrimaryOwner {
		t.Fatalf("result = %v, want PrimaryOwner", result2)
	}
	if change2.OldOwner != 100 || change2.NewOwner != 200 {
		t.Fatalf("unexpected change: %+v", change2)
	}
}

func TestReleaseRequestRestoresPrimary(t *testing.T) {
	_, uA, uB := users()
	reg := NewRegistry()

	reg.Request(100, uA, "com.example.Foo", Flags{})
	reg.Request(200, uB, "com.example.Foo", Flags{})

	change, result, err := reg.Release(100, "com.example.Foo")
	if err != nil {
		t.Fatal(err)
	}
	if result != Released {
		t.Fatalf("result = %v, want Released", result)
	}
	if change.NewOwner != 200 {
		t.Fatalf("expected B promoted to primary, got %+v", change)
	}

	owner, ok := reg.Lookup("com.example.Foo").Primary()
	if !ok || owner != 200 {
		t.Fatalf("primary = %d, ok=%v, want 200", owner, ok)
	}
}

func TestRequestReservedAndUnique(t *testing.T) {
	_, uA, _ := users()
	reg := NewRegistry()

	if _, _, _, err := reg.Request(100, uA, "org.freedesktop.DBus", Flags{}); !dbuserr.Is(err, dbuserr.NameReserved) {
		t.Fatalf("expected NameReserved, got %v", err)
	}
	if _, _, _, err := reg.Request(100, uA, ":1.5", Flags{}); !dbuserr.Is(err, dbuserr.NameUnique) {
		t.Fatalf("expected NameUnique, got %v", err)
	}
}

func TestDoNotQueueReturnsExists(t *testing.T) {
	_, uA, uB := users()
	reg := NewRegistry()
	reg.Request(100, uA, "com.example.Foo", Flags{})
	_, result, change, err := reg.Request(200, uB, "com.example.Foo", Flags{DoNotQueue: true})
	if err != nil {
		t.Fatal(err)
	}
	if result != Exists || change != nil {
		t.Fatalf("result = %v change = %+v, want Exists/nil", result, change)
	}
}

func TestAlreadyOwnerAndInQueueResults(t *testing.T) {
	_, uA, uB := users()
	reg := NewRegistry()
	reg.Request(100, uA, "com.example.Foo", Flags{})
	reg.Request(200, uB, "com.example.Foo", Flags{})

	_, result, _, err := reg.Request(100, uA, "com.example.Foo", Flags{})
	if err != nil || result != AlreadyOwner {
		t.Fatalf("result = %v err=%v, want AlreadyOwner", result, err)
	}
	_, result2, _, err := reg.Request(200, uB, "com.example.Foo", Flags{})
	if err != nil || result2 != InQueue {
		t.Fatalf("result = %v err=%v, want InQueue", result2, err)
	}
}

func TestRequestReleasePatternRestoresOriginalPrimary(t *testing.T) {
	// release ∘ request over any pattern of requesters restores the
	// original primary (respecting queue order).
	_, uA, uB := users()
	r := quota.NewRegistry(quota.DefaultLimits())
	uC := r.RefUser(3)
	reg := NewRegistry()

	reg.Request(1, uA, "com.example.Foo", Flags{})
	reg.Request(2, uB, "com.example.Foo", Flags{})
	reg.Request(3, uC, "com.example.Foo", Flags{})

	reg.Release(3, "com.example.Foo")
	owner, _ := reg.Lookup("com.example.Foo").Primary()
	if owner != 1 {
		t.Fatalf("primary after releasing a non-primary queue entry changed: %d", owner)
	}

	reg.Release(1, "com.example.Foo")
	owner, _ = reg.Lookup("com.example.Foo").Primary()
	if owner != 2 {
		t.Fatalf("primary after releasing the original primary = %d, want 2", owner)
	}
}

func TestReleaseNonOwnerAndNonExistent(t *testing.T) {
	_, uA, _ := users()
	reg := NewRegistry()
	if _, result, _ := reg.Release(100, "com.example.Missing"); result != NonExistent {
		t.Fatalf("result = %v, want NonExistent", result)
	}
	reg.Request(100, uA, "com.example.Foo", Flags{})
	if _, result, _ := reg.Release(200, "com.example.Foo"); result != NotOwner {
		t.Fatalf("result = %v, want NotOwner", result)
	}
}

func TestRefNameUnrefDropsWhenUnused(t *testing.T) {
	reg := NewRegistry()
	n := reg.RefName("com.example.Foo")
	if reg.Lookup("com.example.Foo") == nil {
		t.Fatal("expected name to exist after RefName")
	}
	reg.UnrefName(n)
	if reg.Lookup("com.example.Foo") != nil {
		t.Fatal("expected name to be dropped after UnrefName with no owners")
	}
}
