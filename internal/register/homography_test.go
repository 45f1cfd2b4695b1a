package register

import (
	"math"
	"testing"
)

func TestHomographyCheck(t *testing.T) {
	cases := []struct {
		name string
		h    Homography
		want Reason
	}{
		{"identity", Identity(), ReasonNone},
		{"translation", Homography{1, 0, 120, 0, 1, -40, 0, 0, 1}, ReasonNone},
		{"reflection accepted by magnitude", Homography{-1, 0, 0, 0, 1, 0, 0, 0, 1}, ReasonNone},
		{"zero", Homography{}, ReasonDegenerate},
		{"collapsed", Homography{0.01, 0, 0, 0, 0.01, 0, 0, 0, 1}, ReasonDegenerate},
		{"exploded", Homography{40, 0, 0, 0, 40, 0, 0, 0, 1}, ReasonDegenerate},
		{"nan", Homography{math.NaN(), 0, 0, 0, 1, 0, 0, 0, 1}, ReasonDegenerate},
		{"inf", Homography{1, 0, math.Inf(1), 0, 1, 0, 0, 0, 1}, ReasonDegenerate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.h.Check(0.001, 1000); got != tc.want {
				t.Fatalf("Check() = %q, want %q (det=%g)", got, tc.want, tc.h.Det())
			}
		})
	}
}

func TestHomographyDetBounds(t *testing.T) {
	// det of diag(s, s, 1) is s^2
	lower := Homography{math.Sqrt(0.001), 0, 0, 0, math.Sqrt(0.001), 0, 0, 0, 1}
	if got := lower.Det(); math.Abs(got-0.001) > 1e-12 {
		t.Fatalf("Det() = %g, want 0.001", got)
	}
	if r := lower.Check(0.0009, 1000); r != ReasonNone {
		t.Fatalf("expected det just above the minimum to pass, got %q", r)
	}
	if r := lower.Check(0.0011, 1000); r != ReasonDegenerate {
		t.Fatalf("expected det below the minimum to be rejected, got %q", r)
	}
}

func TestHomographyApply(t *testing.T) {
	h := Homography{2, 0, 10, 0, 2, 20, 0, 0, 1}
	x, y, ok := h.Apply(3, 4)
	if !ok || x != 16 || y != 28 {
		t.Fatalf("Apply(3,4) = (%v,%v,%v), want (16,28,true)", x, y, ok)
	}

	proj := Homography{1, 0, 0, 0, 1, 0, 1, 0, 0}
	if _, _, ok := proj.Apply(0, 5); ok {
		t.Fatalf("expected point on the line at infinity to report !ok")
	}
}
