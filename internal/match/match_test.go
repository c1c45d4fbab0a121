package match

import (
	"testing"

	"github.com/dbusd/dbusd/internal/dbuserr"
	"github.com/dbusd/dbusd/internal/quota"
)

func testUser() *quota.User {
	r := quota.NewRegistry(quota.DefaultLimits())
	return r.RefUser(1000)
}

func TestParseBasic(t *testing.T) {
	k, err := Parse("type='signal',sender='org.freedesktop.DBus',path='/org/freedesktop/DBus'")
	if err != nil {
		t.Fatal(err)
	}
	if k.Filter.Type != TypeSignal {
		t.Errorf("type = %v, want signal", k.Filter.Type)
	}
	if k.SenderName != "org.freedesktop.DBus" {
		t.Errorf("sender = %q", k.SenderName)
	}
	if k.Filter.Path != "/org/freedesktop/DBus" {
		t.Errorf("path = %q", k.Filter.Path)
	}
}

func TestParseQuotingRules(t *testing.T) {
	// Unquoted comma terminates the value; quoted comma does not.
	k, err := Parse("member='a,b'")
	if err != nil {
		t.Fatal(err)
	}
	if k.Filter.Member != "a,b" {
		t.Errorf("member = %q, want %q", k.Filter.Member, "a,b")
	}

	k2, err := Parse("interface=foo,member=bar")
	if err != nil {
		t.Fatal(err)
	}
	if k2.Filter.Interface != "foo" || k2.Filter.Member != "bar" {
		t.Errorf("got interface=%q member=%q", k2.Filter.Interface, k2.Filter.Member)
	}
}

func TestParseEscapes(t *testing.T) {
	// Outside quotes, \' yields '.
	k, err := Parse(`member=a\'b`)
	if err != nil {
		t.Fatal(err)
	}
	if k.Filter.Member != "a'b" {
		t.Errorf("member = %q, want a'b", k.Filter.Member)
	}
}

func TestParseUnterminatedQuoteInvalid(t *testing.T) {
	_, err := Parse("member='unterminated")
	if !dbuserr.Is(err, dbuserr.Invalid) {
		t.Fatalf("expected Invalid, got %v", err)
	}
}

func TestParseRejectsPathAndPathNamespace(t *testing.T) {
	_, err := Parse("path=/a,path_namespace=/a")
	if !dbuserr.Is(err, dbuserr.Invalid) {
		t.Fatalf("expected Invalid for path+path_namespace, got %v", err)
	}
}

func TestParseArg63PathAcceptedArg64Rejected(t *testing.T) {
	if _, err := Parse("arg63path=/foo"); err != nil {
		t.Fatalf("arg63path should be accepted: %v", err)
	}
	if _, err := Parse("arg64path=/foo"); !dbuserr.Is(err, dbuserr.Invalid) {
		t.Fatalf("arg64path should be rejected, got %v", err)
	}
}

func TestParseUnknownTypeInvalid(t *testing.T) {
	if _, err := Parse("type=bogus"); !dbuserr.Is(err, dbuserr.Invalid) {
		t.Fatalf("expected Invalid for unknown type, got %v", err)
	}
}

func TestParseDuplicateKeyInvalid(t *testing.T) {
	if _, err := Parse("member=a,member=b"); !dbuserr.Is(err, dbuserr.Invalid) {
		t.Fatalf("expected Invalid for duplicate key, got %v", err)
	}
}

func TestParseMissingEqualsInvalid(t *testing.T) {
	if _, err := Parse("member"); !dbuserr.Is(err, dbuserr.Invalid) {
		t.Fatalf("expected Invalid for missing '=', got %v", err)
	}
}

func TestParseKeyLevelRoundTrip(t *testing.T) {
	// parse(S) produces keys K such that reformatting and reparsing
	// produces the same keys (checked field-by-field, since the
	// grammar has no canonical string form).
	original := "type='signal',interface='com.Example',member='Foo',path='/a/b',arg2='x'"
	k1, err := Parse(original)
	if err != nil {
		t.Fatal(err)
	}
	if k1.canonical() == "" {
		t.Fatal("canonical key must be non-empty")
	}
	k2, err := Parse(original)
	if err != nil {
		t.Fatal(err)
	}
	if k1.canonical() != k2.canonical() {
		t.Fatal("parsing the same rule string twice must yield the same canonical key")
	}
}

func TestOwnerCoalescesDuplicates(t *testing.T) {
	o := NewOwner()
	u := testUser()

	r1, created1, err := o.Add(u, "interface=com.Example")
	if err != nil || !created1 {
		t.Fatalf("first add: created=%v err=%v", created1, err)
	}
	r2, created2, err := o.Add(u, "interface=com.Example")
	if err != nil {
		t.Fatal(err)
	}
	if created2 {
		t.Fatal("duplicate rule should coalesce, not create")
	}
	if r1 != r2 {
		t.Fatal("expected the same *Rule for a coalesced duplicate")
	}
	if r1.UserRefs() != 2 {
		t.Fatalf("refcount = %d, want 2", r1.UserRefs())
	}
}

func TestOwnerRemoveDecrementsThenFrees(t *testing.T) {
	o := NewOwner()
	u := testUser()
	r, _, err := o.Add(u, "interface=com.Example")
	if err != nil {
		t.Fatal(err)
	}
	o.Add(u, "interface=com.Example") // refcount 2

	if err := o.Remove(r); err != nil {
		t.Fatal(err)
	}
	if o.Len() != 1 {
		t.Fatalf("owner should still hold the rule after one remove, len=%d", o.Len())
	}
	if err := o.Remove(r); err != nil {
		t.Fatal(err)
	}
	if o.Len() != 0 {
		t.Fatalf("owner should be empty after refcount reaches zero, len=%d", o.Len())
	}
	if u.Usage(quota.Matches) != 0 {
		t.Fatalf("matches usage should be released, got %d", u.Usage(quota.Matches))
	}
}

func TestQuotaExhaustionLeavesNoPartialState(t *testing.T) {
	r := quota.NewRegistry(quota.Limits{quota.Matches: 3})
	u := r.RefUser(1)
	o := NewOwner()

	for i := 0; i < 3; i++ {
		rule := "member=m" + string(rune('a'+i))
		if _, _, err := o.Add(u, rule); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if o.Len() != 3 {
		t.Fatalf("expected 3 rules, got %d", o.Len())
	}
	_, _, err := o.Add(u, "member=overflow")
	if !dbuserr.Is(err, dbuserr.Quota) {
		t.Fatalf("expected Quota, got %v", err)
	}
	if o.Len() != 3 {
		t.Fatalf("failed add must not leave partial state, len=%d", o.Len())
	}
}

func TestRegistryLinkAndIterationOrder(t *testing.T) {
	o := NewOwner()
	u := testUser()
	reg := NewRegistry()

	var rules []*Rule
	for _, s := range []string{"path_namespace=/a/b", "path_namespace=/a", "path_namespace=/a/b/c"} {
		r, _, err := o.Add(u, s)
		if err != nil {
			t.Fatal(err)
		}
		Link(r, reg, false)
		rules = append(rules, r)
	}

	var seen []string
	// All three namespaces contain the filter's path, so every rule
	// matches and only the visiting order is under test.
	reg.Matching(Filter{Path: "/a/b/c/d"}, false, func(r *Rule) bool {
		seen = append(seen, r.Keys.PathNamespace)
		return true
	})
	if len(seen) != 3 || seen[0] != "/a/b" || seen[1] != "/a" || seen[2] != "/a/b/c" {
		t.Fatalf("expected insertion order [/a/b /a /a/b/c], got %v", seen)
	}
	_ = rules
}

func TestEavesdropListPrecedesRuleListAndUnicastStops(t *testing.T) {
	o := NewOwner()
	u := testUser()
	reg := NewRegistry()

	normal, _, _ := o.Add(u, "interface=com.example")
	Link(normal, reg, false)

	eaves, _, _ := o.Add(u, "interface=com.example,eavesdrop=true")
	Link(eaves, reg, false)

	// Both rules match f; they differ only in the eavesdrop flag.
	f := Filter{Interface: "com.example"}
	label := map[*Rule]string{normal: "normal", eaves: "eaves"}

	var order []string
	reg.Matching(f, true, func(r *Rule) bool {
		order = append(order, label[r])
		return true
	})
	if len(order) != 1 || order[0] != "eaves" {
		t.Fatalf("unicast iteration must stop after eavesdrop_list, got %v", order)
	}

	order = nil
	reg.Matching(f, false, func(r *Rule) bool {
		order = append(order, label[r])
		return true
	})
	if len(order) != 2 || order[0] != "eaves" || order[1] != "normal" {
		t.Fatalf("expected [eaves normal], got %v", order)
	}
}

func TestUnlinkRemovesFromRegistry(t *testing.T) {
	o := NewOwner()
	u := testUser()
	reg := NewRegistry()
	r, _, _ := o.Add(u, "member=x")
	Link(r, reg, false)
	if reg.Empty() {
		t.Fatal("registry should not be empty after link")
	}
	Unlink(r)
	if !reg.Empty() {
		t.Fatal("registry should be empty after unlink")
	}
	if r.Target() != TargetNone {
		t.Fatalf("target = %v, want TargetNone", r.Target())
	}
}

func TestMonitorPlacementOverridesEavesdrop(t *testing.T) {
	o := NewOwner()
	u := testUser()
	reg := NewRegistry()
	r, _, _ := o.Add(u, "member=x")
	Link(r, reg, true)
	if r.Target() != TargetMonitorList {
		t.Fatalf("target = %v, want TargetMonitorList", r.Target())
	}
	var count int
	reg.MonitorMatching(func(*Rule) { count++ })
	if count != 1 {
		t.Fatalf("monitor list should have 1 entry, got %d", count)
	}
}

func TestMatchesFilterFields(t *testing.T) {
	k, err := Parse("type=signal,interface=com.Example,member=Foo,path=/a/b")
	if err != nil {
		t.Fatal(err)
	}
	good := Filter{Type: TypeSignal, Interface: "com.Example", Member: "Foo", Path: "/a/b"}
	if !Matches(k, good) {
		t.Fatal("expected match")
	}
	bad := good
	bad.Member = "Bar"
	if Matches(k, bad) {
		t.Fatal("expected no match on differing member")
	}
}

func TestMatchesPathNamespacePrefix(t *testing.T) {
	k, err := Parse("path_namespace=/a/b")
	if err != nil {
		t.Fatal(err)
	}
	if !Matches(k, Filter{Path: "/a/b"}) {
		t.Fatal("exact path should match its own namespace")
	}
	if !Matches(k, Filter{Path: "/a/b/c"}) {
		t.Fatal("child path should match namespace")
	}
	if Matches(k, Filter{Path: "/a/bc"}) {
		t.Fatal("non-delimited suffix should not match namespace")
	}
}

func TestMatchesArgNPathBidirectional(t *testing.T) {
	// argNpath compares as directories: a trailing '/' on either side
	// is required to match a deeper path; without it only an exact
	// match succeeds.
	k, err := Parse("arg0path=/a/b/")
	if err != nil {
		t.Fatal(err)
	}
	f1 := Filter{}
	f1.HasArgPath[0] = true
	f1.ArgPaths[0] = "/a/b/c"
	if !Matches(k, f1) {
		t.Fatal("rule directory prefix of message value should match")
	}

	k2, err := Parse("arg0path=/a/")
	if err != nil {
		t.Fatal(err)
	}
	f2 := Filter{}
	f2.HasArgPath[0] = true
	f2.ArgPaths[0] = "/a/b"
	if !Matches(k2, f2) {
		t.Fatal("rule directory prefix of message value should match")
	}

	kExact, err := Parse("arg0path=/a/b")
	if err != nil {
		t.Fatal(err)
	}
	fExact := Filter{}
	fExact.HasArgPath[0] = true
	fExact.ArgPaths[0] = "/a/b"
	if !Matches(kExact, fExact) {
		t.Fatal("exact match should always succeed")
	}

	f3 := Filter{}
	f3.HasArgPath[0] = true
	f3.ArgPaths[0] = "/a/bc"
	if Matches(kExact, f3) {
		t.Fatal("non-aligned prefix should not match")
	}
	f4 := Filter{}
	f4.HasArgPath[0] = true
	f4.ArgPaths[0] = "/a/b/c"
	if Matches(kExact, f4) {
		t.Fatal("rule value without trailing slash should not match a deeper path")
	}
}

func TestMatchesArg0NamespaceRequiresStringArg(t *testing.T) {
	k, err := Parse("arg0namespace=com.example")
	if err != nil {
		t.Fatal(err)
	}
	f := Filter{} // arg0 absent (non-string or missing)
	if Matches(k, f) {
		t.Fatal("arg0namespace against an absent/non-string arg0 must not match")
	}
}
