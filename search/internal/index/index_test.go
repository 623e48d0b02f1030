package index

import "testing"

func TestNormalizeQuery(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"Hello World", "hello world"},
		{"  hello   world  ", "hello world"},
		{"HELLO\tworld\n", "hello world"},
		{"hello world", "hello world"},
		{"", ""},
		{"   ", ""},
	}
	for _, tc := range cases {
		if got := NormalizeQuery(tc.raw); got != tc.want {
			t.Fatalf("NormalizeQuery(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}
