package quota

import (
	"testing"

	"github.com/dbusd/dbusd/internal/dbuserr"
)

func newTestRegistry() *Registry {
	limits := Limits{}
	limits[Matches] = 3
	limits[Bytes] = 1000
	return NewRegistry(limits)
}

func TestChargeAndRelease(t *testing.T) {
	r := newTestRegistry()
	u := r.RefUser(1000)

	c, err := u.Charge(Matches, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Usage(Matches) != 1 {
		t.Fatalf("usage = %d, want 1", u.Usage(Matches))
	}
	Release(&c)
	if u.Usage(Matches) != 0 {
		t.Fatalf("usage after release = %d, want 0", u.Usage(Matches))
	}
}

func TestQuotaExceededLeavesStateUnchanged(t *testing.T) {
	r := newTestRegistry()
	u := r.RefUser(1000)

	var charges []Charge
	for i := 0; i < 3; i++ {
		c, err := u.Charge(Matches, 1)
		if err != nil {
			t.Fatalf("charge %d: unexpected error: %v", i, err)
		}
		charges = append(charges, c)
	}

	before := u.Usage(Matches)
	_, err := u.Charge(Matches, 1)
	if !dbuserr.Is(err, dbuserr.Quota) {
		t.Fatalf("expected Quota error, got %v", err)
	}
	if u.Usage(Matches) != before {
		t.Fatalf("usage changed after failed charge: %d != %d", u.Usage(Matches), before)
	}

	for i := range charges {
		Release(&charges[i])
	}
	if u.Usage(Matches) != 0 {
		t.Fatalf("usage after releasing all = %d, want 0", u.Usage(Matches))
	}
}

func TestReleaseIdempotent(t *testing.T) {
	r := newTestRegistry()
	u := r.RefUser(1000)

	c, err := u.Charge(Bytes, 50)
	if err != nil {
		t.Fatal(err)
	}
	Release(&c)
	Release(&c) // second release must be a no-op, not double-refund
	if u.Usage(Bytes) != 0 {
		t.Fatalf("usage = %d, want 0", u.Usage(Bytes))
	}
}

func TestReleaseOfEmptyChargeIsNoop(t *testing.T) {
	var c Charge
	Release(&c) // must not panic
}

func TestRefUnrefUser(t *testing.T) {
	r := newTestRegistry()
	u1 := r.RefUser(42)
	u2 := r.RefUser(42)
	if u1 != u2 {
		t.Fatal("expected same User instance for the same UID")
	}
	r.UnrefUser(u1)
	r.UnrefUser(u2)
	if _, ok := r.users[42]; ok {
		t.Fatal("expected user record to be removed once refcount reaches zero")
	}
}

func TestUnrefKeepsUserWithOutstandingUsage(t *testing.T) {
	r := newTestRegistry()
	u := r.RefUser(42)
	_, err := u.Charge(Bytes, 10)
	if err != nil {
		t.Fatal(err)
	}
	r.UnrefUser(u)
	if _, ok := r.users[42]; !ok {
		t.Fatal("expected user record to survive while usage is outstanding")
	}
}

func TestPerUIDOverride(t *testing.T) {
	r := newTestRegistry()
	r.SetOverride(7, Limits{Matches: 1})
	u := r.RefUser(7)
	if _, err := u.Charge(Matches, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := u.Charge(Matches, 1); !dbuserr.Is(err, dbuserr.Quota) {
		t.Fatal("expected override limit of 1 to be enforced")
	}
}

// TestBytesChargeIsExemptFromBurstLimiter covers a well-behaved, busy
// connection: a burst of per-message Bytes charges well past the
// burst limiter's token count must never be rejected by it, since
// Bytes already has its own hard cap and isn't the kind of
// create/destroy churn the limiter exists to smooth.
func TestBytesChargeIsExemptFromBurstLimiter(t *testing.T) {
	r := newTestRegistry()
	u := r.RefUser(1000)

	for i := 0; i < 500; i++ {
		c, err := u.Charge(Bytes, 1)
		if err != nil {
			t.Fatalf("charge %d: unexpected error: %v", i, err)
		}
		Release(&c)
	}
}
