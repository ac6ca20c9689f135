package llm

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 4000), 1000},
		// Rune counting: five accented characters, not ten bytes.
		{"áéíóú", 2},
	}
	for _, tc := range cases {
		if got := EstimateTokens(tc.text); got != tc.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestEstimateTokensMonotonic(t *testing.T) {
	prev := 0
	for i := 0; i < 64; i++ {
		got := EstimateTokens(strings.Repeat("a", i))
		if got < prev {
			t.Fatalf("token estimate decreased at length %d: %d < %d", i, got, prev)
		}
		prev = got
	}
}

func TestKnownProviders(t *testing.T) {
	for _, name := range KnownProviders() {
		if !IsKnownProvider(name) {
			t.Errorf("%s should be known", name)
		}
	}
	if IsKnownProvider(ProviderDegraded) {
		t.Error("degraded sentinel is not a real provider")
	}
	if IsKnownProvider("openai") {
		t.Error("openai is not in the known set")
	}
}

func TestDisplayName(t *testing.T) {
	if got := DisplayName("gemini"); got != "Gemini" {
		t.Errorf("expected Gemini, got %q", got)
	}
	if got := DisplayName("custom"); got != "custom" {
		t.Errorf("unknown providers keep their id, got %q", got)
	}
}
