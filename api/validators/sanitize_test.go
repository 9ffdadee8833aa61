package validators

import "testing"

func TestSanitizeString(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"  bank transfer  ", 0, "bank transfer"},
		{"ref\x00\x07-42", 0, "ref-42"},
		{"voucher", 3, "vou"},
		{"héllo wörld", 5, "héllo"},
	}
	for _, tc := range cases {
		if got := SanitizeString(tc.in, tc.max); got != tc.want {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}
