package insight

import "testing"

func TestProRataRefund(t *testing.T) {
	cases := []struct {
		name     string
		reserved int64
		total    int
		failed   int
		want     int64
	}{
		{"all succeed", 30, 6, 0, 0},
		{"all fail", 30, 6, 6, 30},
		{"two of six", 30, 6, 2, 10},
		{"rounds down", 10, 3, 1, 3},
		{"failed beyond total clamps to full", 30, 6, 7, 30},
		{"zero total", 30, 0, 1, 0},
	}

	p := ProRataRefund{}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := p.RefundCoins(tc.reserved, tc.total, tc.failed); got != tc.want {
				t.Fatalf("RefundCoins(%d, %d, %d) = %d, want %d",
					tc.reserved, tc.total, tc.failed, got, tc.want)
			}
		})
	}
}
