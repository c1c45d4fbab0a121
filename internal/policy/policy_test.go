package policy

import (
	"testing"

	"github.com/dbusd/dbusd/internal/match"
)

func uint32p(v uint32) *uint32 { return &v }

func TestCheckConnectDefaultAllow(t *testing.T) {
	e := NewEngine(nil)
	if r := e.CheckConnect(1000, []uint32{100}); r.Decision != Allow || r.Reason != ReasonNoRuleDefaultAllow {
		t.Fatalf("got %+v, want default allow", r)
	}
}

func TestCheckConnectExplicitDeny(t *testing.T) {
	e := NewEngine(&Ruleset{
		Connect: []ConnectRule{{UID: uint32p(1000), Decision: Deny}},
	})
	if r := e.CheckConnect(1000, nil); r.Decision != Deny || r.Reason != ReasonExplicitDeny {
		t.Fatalf("got %+v, want explicit deny", r)
	}
	if r := e.CheckConnect(1001, nil); r.Decision != Allow {
		t.Fatalf("got %+v, want allow for unmatched uid", r)
	}
}

func TestCheckConnectGIDMatch(t *testing.T) {
	e := NewEngine(&Ruleset{
		Connect: []ConnectRule{{GID: uint32p(50), Decision: Deny}},
	})
	if r := e.CheckConnect(1000, []uint32{50, 60}); r.Decision != Deny {
		t.Fatalf("got %+v, want deny (gid 50 present)", r)
	}
	if r := e.CheckConnect(1000, []uint32{60}); r.Decision != Allow {
		t.Fatalf("got %+v, want allow (gid 50 absent)", r)
	}
}

func TestCheckOwnGlobPattern(t *testing.T) {
	e := NewEngine(&Ruleset{
		Own: []OwnRule{
			{NamePattern: "com.example.*", Decision: Allow},
			{NamePattern: "**", Decision: Deny},
		},
	})
	peer := e.Resolve(1000, nil, 0, "")
	if r := e.CheckOwn(peer, "com.example.Foo"); r.Decision != Allow {
		t.Fatalf("got %+v, want allow", r)
	}
	if r := e.CheckOwn(peer, "com.example.sub.Foo"); r.Decision != Deny {
		t.Fatalf("got %+v, want deny (single segment wildcard should not cross '.')", r)
	}
	if r := e.CheckOwn(peer, "org.other.Bar"); r.Decision != Deny {
		t.Fatalf("got %+v, want deny (catch-all)", r)
	}
}

func TestCheckOwnRecursiveWildcard(t *testing.T) {
	e := NewEngine(&Ruleset{
		Own: []OwnRule{{NamePattern: "com.example.**", Decision: Allow}},
	})
	peer := e.Resolve(1000, nil, 0, "")
	for _, name := range []string{"com.example.Foo", "com.example.sub.Foo", "com.example.a.b.c"} {
		if r := e.CheckOwn(peer, name); r.Decision != Allow {
			t.Errorf("name %q: got %+v, want allow", name, r)
		}
	}
	if r := e.CheckOwn(peer, "org.other.Bar"); r.Decision != Allow {
		t.Fatalf("got %+v, want default allow (no matching rule)", r)
	}
}

func TestCheckOwnFirstRuleWins(t *testing.T) {
	e := NewEngine(&Ruleset{
		Own: []OwnRule{
			{NamePattern: "com.example.Secret", Decision: Deny},
			{NamePattern: "com.example.*", Decision: Allow},
		},
	})
	peer := e.Resolve(1000, nil, 0, "")
	if r := e.CheckOwn(peer, "com.example.Secret"); r.Decision != Deny {
		t.Fatalf("got %+v, want deny (first matching rule wins)", r)
	}
	if r := e.CheckOwn(peer, "com.example.Public"); r.Decision != Allow {
		t.Fatalf("got %+v, want allow", r)
	}
}

func TestCheckOwnUIDScoped(t *testing.T) {
	e := NewEngine(&Ruleset{
		Own: []OwnRule{{UID: uint32p(1000), NamePattern: "**", Decision: Allow}},
	})
	if r := e.CheckOwn(e.Resolve(1000, nil, 0, ""), "com.example.Foo"); r.Decision != Allow {
		t.Fatalf("got %+v, want allow for matching uid", r)
	}
	if r := e.CheckOwn(e.Resolve(2000, nil, 0, ""), "com.example.Foo"); r.Reason != ReasonNoRuleDefaultAllow {
		t.Fatalf("got %+v, want fall-through to default for non-matching uid", r)
	}
}

func TestCheckSendInterfaceAndMember(t *testing.T) {
	e := NewEngine(&Ruleset{
		Send: []MessageRule{
			{InterfacePattern: "org.freedesktop.DBus.*", MemberPattern: "Introspect", Decision: Allow},
			{InterfacePattern: "org.freedesktop.DBus.*", Decision: Deny},
		},
	})
	sender := e.Resolve(1000, nil, 0, "")
	r := e.CheckSend(sender, nil, "org.freedesktop.DBus.Introspectable", "Introspect", "/", match.TypeMethodCall)
	if r.Decision != Allow {
		t.Fatalf("got %+v, want allow", r)
	}
	r = e.CheckSend(sender, nil, "org.freedesktop.DBus.Introspectable", "Other", "/", match.TypeMethodCall)
	if r.Decision != Deny {
		t.Fatalf("got %+v, want deny", r)
	}
}

func TestCheckSendMessageType(t *testing.T) {
	e := NewEngine(&Ruleset{
		Send: []MessageRule{{Type: match.TypeSignal, Decision: Deny}},
	})
	sender := e.Resolve(1000, nil, 0, "")
	if r := e.CheckSend(sender, nil, "", "", "", match.TypeSignal); r.Decision != Deny {
		t.Fatalf("got %+v, want deny for signal", r)
	}
	if r := e.CheckSend(sender, nil, "", "", "", match.TypeMethodCall); r.Decision != Allow {
		t.Fatalf("got %+v, want default allow for method call", r)
	}
}

func TestCheckSendNamePatternScopesToRecipientNames(t *testing.T) {
	e := NewEngine(&Ruleset{
		Send: []MessageRule{{NamePattern: "com.example.Secure*", Decision: Deny}},
	})
	sender := e.Resolve(1000, nil, 0, "")

	r := e.CheckSend(sender, []string{"com.example.SecureVault"}, "", "", "", match.TypeMethodCall)
	if r.Decision != Deny {
		t.Fatalf("got %+v, want deny (recipient owns a matching name)", r)
	}

	r = e.CheckSend(sender, []string{"com.example.Public"}, "", "", "", match.TypeMethodCall)
	if r.Decision != Allow {
		t.Fatalf("got %+v, want default allow (recipient owns no matching name)", r)
	}

	r = e.CheckSend(sender, nil, "", "", "", match.TypeMethodCall)
	if r.Decision != Allow {
		t.Fatalf("got %+v, want default allow (recipient owns no names at all)", r)
	}
}

func TestCheckReceivePathPattern(t *testing.T) {
	e := NewEngine(&Ruleset{
		Receive: []MessageRule{{PathPattern: "/org/freedesktop/**", Decision: Allow}},
	})
	recipient := e.Resolve(1000, nil, 0, "")
	r := e.CheckReceive(recipient, nil, "", "", "/org/freedesktop/DBus/Foo", match.TypeSignal)
	if r.Decision != Allow {
		t.Fatalf("got %+v, want allow", r)
	}
	r = e.CheckReceive(recipient, nil, "", "", "/com/example", match.TypeSignal)
	if r.Reason != ReasonNoRuleDefaultAllow {
		t.Fatalf("got %+v, want default (no rule matched)", r)
	}
}

func TestPeerPolicySnapshotIsImmutable(t *testing.T) {
	e := NewEngine(nil)
	gids := []uint32{1, 2, 3}
	p := e.Resolve(1000, gids, 42, "unconfined")
	gids[0] = 999
	if p.GIDs[0] != 1 {
		t.Fatal("PeerPolicy.GIDs must be a defensive copy, not an alias of the caller's slice")
	}
}

func TestMatchPatternGlobShapes(t *testing.T) {
	cases := []struct {
		pattern, value string
		want           bool
	}{
		{"com.example.Foo", "com.example.Foo", true},
		{"com.example.Foo", "com.example.Bar", false},
		{"com.example.*", "com.example.Foo", true},
		{"com.example.*", "com.example.sub.Foo", false},
		{"com.example.**", "com.example.sub.Foo", true},
		{"**", "anything.at.all", true},
		{"com.**.Bar", "com.example.Bar", true},
		{"com.**.Bar", "com.example.sub.Bar", true},
		{"com.**.Bar", "com.Bar", true},
		{"com.**.Bar", "com.example.Baz", false},
		{"/org/freedesktop/**", "/org/freedesktop/DBus", true},
		{"/org/freedesktop/**", "/org/other", false},
		{"team-?/build", "team-a/build", true},
		{"team-?/build", "team-ab/build", false},
	}
	for _, c := range cases {
		if got := matchPattern(c.pattern, c.value); got != c.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", c.pattern, c.value, got, c.want)
		}
	}
}

func TestMatchAnyPatternEmptyValuesDeny(t *testing.T) {
	if matchAnyPattern("**", nil) {
		t.Fatal("matchAnyPattern against no values must be false")
	}
	if !matchAnyPattern("com.example.*", []string{"org.other", "com.example.Foo"}) {
		t.Fatal("expected a match against the second value")
	}
}
