package universe

import (
	"sort"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"aapl", "AAPL", true},
		{"  spy ", "SPY", true},
		{"BRK.B", "BRK-B", true},
		{"", "", false},
		{"   ", "", false},
		{"TOOLONGSYMBOL", "", false},
		{"BAD$CHAR", "", false},
	}
	for _, tc := range cases {
		got, ok := Normalize(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("Normalize(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestResolveDeduplicates(t *testing.T) {
	base := []string{"SPY", "QQQ", "AAPL"}
	custom := []string{"aapl", " spy", "NVDA"}

	got := Resolve(base, custom)
	want := []string{"AAPL", "NVDA", "QQQ", "SPY"}
	if len(got) != len(want) {
		t.Fatalf("Resolve returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Resolve returned %v, want %v", got, want)
		}
	}
}

func TestResolveDropsMalformed(t *testing.T) {
	got := Resolve([]string{"SPY"}, []string{"", "   ", "BAD$", "qqq"})
	want := []string{"QQQ", "SPY"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Resolve returned %v, want %v", got, want)
	}
}

func TestResolveSorted(t *testing.T) {
	got := Resolve([]string{"ZTS", "AAPL", "MSFT"}, nil)
	if !sort.StringsAreSorted(got) {
		t.Fatalf("expected sorted output, got %v", got)
	}
}

func TestBaseSnapshot(t *testing.T) {
	base := Base()
	if len(base) == 0 {
		t.Fatal("embedded base universe is empty")
	}
	for _, sym := range base {
		if _, ok := Normalize(sym); !ok {
			t.Errorf("embedded symbol %q does not normalize", sym)
		}
	}
}

func TestResolveFallsBackToEmbeddedBase(t *testing.T) {
	got := Resolve(nil, []string{"ZZZT"})
	found := false
	for _, sym := range got {
		if sym == "ZZZT" {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("custom symbol missing from resolved universe")
	}
	if len(got) <= len([]string{"ZZZT"}) {
		t.Fatal("expected embedded base to be included")
	}
}
