package glmfam

import (
	"math"
	"testing"
)

func TestNewRejectsBadPairs(t *testing.T) {
	cases := []struct {
		dist Distribution
		link Link
	}{
		{Gaussian, LogitLink},
		{Poisson, IdentityLink},
		{NegBin, LogitLink},
		{Bernoulli, LogLink},
	}
	for _, c := range cases {
		if _, err := New(c.dist, c.link); err == nil {
			t.Fatalf("dist=%d link=%d should be rejected", c.dist, c.link)
		}
	}
}

func TestLogisticMeanAndDeriv(t *testing.T) {
	f, err := New(Bernoulli, LogitLink)
	if err != nil {
		t.Fatal(err)
	}
	// μ(0)=0.5, 导数对称
	if math.Abs(f.Mean(0)-0.5) > 1e-12 {
		t.Fatalf("Mean(0)=%v", f.Mean(0))
	}
	if math.Abs(f.LinkDeriv(0)-0.25) > 1e-12 {
		t.Fatalf("LinkDeriv(0)=%v", f.LinkDeriv(0))
	}
	// 钳制: 大η不溢出且单调
	if f.Mean(1e6) > 1 || f.Mean(1e6) < f.Mean(5) {
		t.Fatal("clamped mean out of range")
	}
}

func TestProbitMatchesErfc(t *testing.T) {
	f, err := New(Bernoulli, ProbitLink)
	if err != nil {
		t.Fatal(err)
	}
	// Φ(1.96) ≈ 0.975
	if math.Abs(f.Mean(1.96)-0.9750021) > 1e-5 {
		t.Fatalf("probit Mean(1.96)=%v", f.Mean(1.96))
	}
	// 数值导数对照
	h := 1e-6
	numDeriv := (f.Mean(0.7+h) - f.Mean(0.7-h)) / (2 * h)
	if math.Abs(f.LinkDeriv(0.7)-numDeriv) > 1e-6 {
		t.Fatalf("probit deriv %v vs numeric %v", f.LinkDeriv(0.7), numDeriv)
	}
}

func TestPoissonDevianceAtFit(t *testing.T) {
	f, err := New(Poisson, LogLink)
	if err != nil {
		t.Fatal(err)
	}
	// y==μ时偏差为0
	if d := f.DevResid(3, 3); math.Abs(d) > 1e-12 {
		t.Fatalf("dev(3,3)=%v", d)
	}
	if d := f.DevResid(0, 0.5); d <= 0 {
		t.Fatalf("dev(0,0.5)=%v should be positive", d)
	}
}

func TestGaussianLogLik(t *testing.T) {
	f, err := New(Gaussian, IdentityLink)
	if err != nil {
		t.Fatal(err)
	}
	// φ=1, y=μ: ℓ = -½ln(2π)
	want := -0.5 * math.Log(2*math.Pi)
	if got := f.LogLik(1.0, 1.0, 1.0); math.Abs(got-want) > 1e-12 {
		t.Fatalf("loglik=%v want=%v", got, want)
	}
}

func TestLogLikSumPropagatesNonFinite(t *testing.T) {
	f, _ := New(Gaussian, IdentityLink)
	y := []float64{1, 2, 3}
	mu := []float64{1, math.NaN(), 3}
	if v := f.LogLikSum(y, mu, 1); !math.IsNaN(v) {
		t.Fatalf("expected NaN, got %v", v)
	}
}

func TestNegBinVariance(t *testing.T) {
	f, err := New(NegBin, LogLink)
	if err != nil {
		t.Fatal(err)
	}
	// V(μ) = μ + μ²/r
	if v := f.Var(2, 4); math.Abs(v-3) > 1e-12 {
		t.Fatalf("Var(2,r=4)=%v want 3", v)
	}
}
