package address

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		in   string
		want Kind
	}{
		{":1.0", KindUnique},
		{":1.42", KindUnique},
		{"com.example.Foo", KindWellKnown},
		{"org.freedesktop.DBus", KindWellKnown},
		{"", KindOther},
		{"nodot", KindOther},
		{".leadingdot", KindOther},
		{"1.starts.with.digit", KindOther},
	}
	for _, c := range cases {
		if got := Classify(c.in); got != c.want {
			t.Errorf("Classify(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestUniqueRoundTrip(t *testing.T) {
	for _, id := range []uint64{1, 2, 99, 123456} {
		formatted := Format(id)
		got, ok := ParseUnique(formatted)
		if !ok {
			t.Fatalf("ParseUnique(%q) failed", formatted)
		}
		if got != id {
			t.Errorf("round trip id = %d, want %d", got, id)
		}
	}
}

func TestParseUniqueRejectsGarbage(t *testing.T) {
	for _, s := range []string{"com.example.Foo", ":nodot", ":1.", ":1.abc", ""} {
		if _, ok := ParseUnique(s); ok {
			t.Errorf("ParseUnique(%q) should fail", s)
		}
	}
}

func TestIsValidWellKnown(t *testing.T) {
	valid := []string{"com.example.Foo", "org.freedesktop.DBus", "a.b", "a1.b_2-3"}
	for _, s := range valid {
		if !IsValidWellKnown(s) {
			t.Errorf("IsValidWellKnown(%q) = false, want true", s)
		}
	}
	invalid := []string{"", ":1.0", "nodot", ".leading", "trailing.", "1digit.start", "a..b"}
	for _, s := range invalid {
		if IsValidWellKnown(s) {
			t.Errorf("IsValidWellKnown(%q) = true, want false", s)
		}
	}
}

func TestIsDriver(t *testing.T) {
	if !IsDriver("org.freedesktop.DBus") {
		t.Error("expected driver name to be recognized")
	}
	if IsDriver("com.example.Foo") {
		t.Error("unexpected driver match")
	}
}
