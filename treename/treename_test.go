package treename

import (
	"errors"
	"testing"
)

func TestName(t *testing.T) {
	test := func(p Parts, exp string) {
		t.Helper()
		s := p.String()
		if s != exp {
			t.Fatalf("name for %#v: got %q, expected %q", p, s, exp)
		}
		np, err := Parse(s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		if p.Kind == Main {
			p.Name = ""
		}
		if np != p {
			t.Fatalf("parse %q: got %#v, expected %#v", s, np, p)
		}
	}

	test(Parts{"shop", "User", Main, ""}, "shop::User::Main")
	test(Parts{"shop", "User", Main, "ignored"}, "shop::User::Main")
	test(Parts{"shop", "User", Secondary, "Email"}, "shop::User::Secondary::Email")
	test(Parts{"shop", "Product", Relational, "CreatedBy"}, "shop::Product::Relational::CreatedBy")
	test(Parts{"shop", "Product", Subscription, "all"}, "shop::Product::Subscription::all")
	test(Parts{"shop", "Product", Accumulator, "all"}, "shop::Product::Accumulator::all")
	test(Parts{"a:b", "c", Secondary, "d"}, "a%3Ab::c::Secondary::d")
	test(Parts{"a", "b::c", Subscription, "%"}, "a::b%3A%3Ac::Subscription::%25")
	test(Parts{"", "", Subscription, ""}, "::::Subscription::")
}

func TestNoCollisions(t *testing.T) {
	// Inputs that would collide with naive concatenation.
	l := []Parts{
		{"a", "b::Main", Main, ""},
		{"a::b", "Main", Main, ""},
		{"a", "b", Secondary, "c::d"},
		{"a", "b", Secondary, "c"},
		{"a", "b::Secondary::c", Secondary, "d"},
		{"a", "b", Subscription, "Main"},
		{"a", "b", Relational, "x"},
		{"a", "b", Secondary, "x"},
		{"%3A", "b", Main, ""},
		{":", "b", Main, ""},
		{"%", "b", Main, ""},
		{"%25", "b", Main, ""},
	}
	seen := map[string]Parts{}
	for _, p := range l {
		s := p.String()
		if op, ok := seen[s]; ok {
			t.Fatalf("collision for %q: %#v and %#v", s, op, p)
		}
		seen[s] = p
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		"",
		"a",
		"a::b",
		"a::b::Main::c",
		"a::b::Secondary",
		"a::b::Bogus::c",
		"a::b::c::d::e",
		"a:b::c::Main",
		"a%::b::Main",
		"a%2::b::Main",
		"a%41::b::Main",
	}
	for _, s := range bad {
		if _, err := Parse(s); err == nil || !errors.Is(err, ErrSyntax) {
			t.Fatalf("parse %q: got err %v, expected ErrSyntax", s, err)
		}
	}
}

func TestKindString(t *testing.T) {
	for k := Main; k <= Accumulator; k++ {
		nk, err := ParseKind(k.String())
		if err != nil || nk != k {
			t.Fatalf("kind %d roundtrip: got %v %v", k, nk, err)
		}
	}
	if s := Kind(10).String(); s != "Kind(10)" {
		t.Fatalf("unknown kind string %q", s)
	}
}
