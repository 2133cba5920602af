package glmfam

import (
	"math"
	"math/rand"
	"testing"
)

// 合成NB样本: 固定μ与真实r, Gamma-Poisson混合采样
func simulateNB(rng *rand.Rand, n int, mu, r float64) (y, mus []float64) {
	y = make([]float64, n)
	mus = make([]float64, n)
	for i := 0; i < n; i++ {
		// Gamma(shape=r, scale=μ/r)的简易采样(整数shape时Erlang和)
		lam := 0.0
		shape := int(r)
		for s := 0; s < shape; s++ {
			lam += -math.Log(rng.Float64()) * mu / r
		}
		// Poisson(lam), Knuth法
		l := math.Exp(-lam)
		k, p := 0, 1.0
		for p > l {
			k++
			p *= rng.Float64()
		}
		y[i] = float64(k - 1)
		mus[i] = mu
	}
	return y, mus
}

func TestNewtonAndMMAgree(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	y, mu := simulateNB(rng, 2000, 4.0, 5.0)

	rNewton, err := NewtonDispersion(y, mu, 1.0)
	if err != nil {
		t.Fatal(err)
	}
	rMM, err := MMDispersion(y, mu, 1.0)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("newton r=%.6f, mm r=%.6f", rNewton, rMM)

	llN := nbProfileLogLik(y, mu, rNewton)
	llM := nbProfileLogLik(y, mu, rMM)
	relDiff := math.Abs(llN-llM) / math.Abs(llN)
	if relDiff > 1e-4 {
		t.Fatalf("loglik mismatch: newton=%.6f mm=%.6f rel=%.2e", llN, llM, relDiff)
	}
	// 真实r=5, 大样本下估计应落在粗范围内
	if rNewton < 2 || rNewton > 12 {
		t.Fatalf("newton r=%.4f far from truth 5", rNewton)
	}
}

func TestNewtonRejectsBadInput(t *testing.T) {
	if _, err := NewtonDispersion(nil, nil, 1.0); err == nil {
		t.Fatal("empty input should fail")
	}
	if _, err := NewtonDispersion([]float64{1}, []float64{1}, -1); err == nil {
		t.Fatal("negative r0 should fail")
	}
}

func TestMMMonotone(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	y, mu := simulateNB(rng, 500, 3.0, 2.0)

	// 从远起点出发, 每步不动点更新似然不降
	r := 0.2
	prev := nbProfileLogLik(y, mu, r)
	for it := 0; it < 30; it++ {
		rNew, err := MMDispersion(y, mu, r)
		if err != nil {
			t.Fatal(err)
		}
		cur := nbProfileLogLik(y, mu, rNew)
		if cur < prev-1e-8 {
			t.Fatalf("iter %d: loglik decreased %.8f -> %.8f", it, prev, cur)
		}
		if math.Abs(rNew-r) < 1e-9 {
			break
		}
		r, prev = rNew, cur
	}
}

func TestEstimateDispersionFallsBack(t *testing.T) {
	// 单点样本让Newton难以收敛也不该panic, 兜底路径必须给出有限值
	y := []float64{0, 0, 0, 1}
	mu := []float64{0.25, 0.25, 0.25, 0.25}
	r, err := EstimateDispersion(y, mu, 1.0)
	if err != nil {
		t.Fatal(err)
	}
	if math.IsNaN(r) || r <= 0 {
		t.Fatalf("invalid fallback r=%v", r)
	}
}
