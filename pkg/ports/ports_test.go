package ports

import "testing"

func TestBlocked(t *testing.T) {
	cases := []struct {
		port int
		want bool
	}{
		{21, true},
		{25, true},
		{6667, true},
		{80, false},
		{443, false},
		{8080, false},
		{0, false},
	}
	for _, c := range cases {
		if got := Blocked(c.port); got != c.want {
			t.Errorf("Blocked(%d) = %v, want %v", c.port, got, c.want)
		}
	}
}
