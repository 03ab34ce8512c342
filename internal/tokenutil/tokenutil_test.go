package tokenutil

import "testing"

func TestEstimateFast(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		text string
		min  int
	}{
		{"empty", "", 0},
		{"whitespace only", "   \n\t", 0},
		{"single word", "hello", 1},
		{"short sentence", "row stores versus column stores", 5},
	}

	for _, tc := range cases {
		got := EstimateFast(tc.text)
		if got < tc.min {
			t.Fatalf("%s: EstimateFast() = %d, want >= %d", tc.name, got, tc.min)
		}
	}
}

func TestCountTokensNeverZeroForText(t *testing.T) {
	t.Parallel()

	if got := CountTokens("deep research pipeline"); got == 0 {
		t.Fatal("CountTokens returned 0 for non-empty text")
	}
	if got := CountTokens(""); got != 0 {
		t.Fatalf("CountTokens(\"\") = %d, want 0", got)
	}
}
