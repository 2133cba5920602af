package snpdesign

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func randomCodes(rng *rand.Rand, n, p int, missRate float64) []uint8 {
	codes := make([]uint8, n*p)
	for j := 0; j < p; j++ {
		maf := 0.1 + 0.4*rng.Float64()
		for i := 0; i < n; i++ {
			if rng.Float64() < missRate {
				codes[i*p+j] = CodeMissing
				continue
			}
			c := uint8(0)
			if rng.Float64() < maf {
				c++
			}
			if rng.Float64() < maf {
				c++
			}
			codes[i*p+j] = c
		}
	}
	return codes
}

func TestGenoBlockStandardization(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	n, p := 300, 20
	g, err := NewGenoBlock(randomCodes(rng, n, p, 0.05), n, p)
	if err != nil {
		t.Fatal(err)
	}
	// 标准化后每列均值≈0、方差≈1(缺失按均值填补, 填补项为0不影响均值)
	for j := 0; j < p; j++ {
		sum, sumSq, cnt := 0.0, 0.0, 0
		for i := 0; i < n; i++ {
			if g.Code(i, j) == CodeMissing {
				continue
			}
			v := g.At(i, j)
			sum += v
			sumSq += v * v
			cnt++
		}
		mean := sum / float64(cnt)
		variance := sumSq/float64(cnt) - mean*mean
		if math.Abs(mean) > 1e-9 {
			t.Fatalf("col %d mean=%v", j, mean)
		}
		if math.Abs(variance-1) > 1e-9 {
			t.Fatalf("col %d var=%v", j, variance)
		}
	}
}

func TestColDotMatchesNaive(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	n, p := 200, 30
	g, err := NewGenoBlock(randomCodes(rng, n, p, 0.1), n, p)
	if err != nil {
		t.Fatal(err)
	}
	w := make([]float64, n)
	sumW := 0.0
	for i := range w {
		w[i] = rng.NormFloat64()
		sumW += w[i]
	}
	for j := 0; j < p; j++ {
		naive := 0.0
		for i := 0; i < n; i++ {
			naive += g.At(i, j) * w[i]
		}
		fast := g.ColDot(j, w, sumW)
		if math.Abs(naive-fast) > 1e-8*(1+math.Abs(naive)) {
			t.Fatalf("col %d: naive=%v fast=%v", j, naive, fast)
		}
	}
}

func TestDesignMatVecRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	n, p, q := 120, 15, 3
	g, _ := NewGenoBlock(randomCodes(rng, n, p, 0), n, p)
	c := mat.NewDense(n, q, nil)
	for i := 0; i < n; i++ {
		c.Set(i, 0, 1) // 截距列
		for j := 1; j < q; j++ {
			c.Set(i, j, rng.NormFloat64())
		}
	}
	d, err := NewDesign(g, c)
	if err != nil {
		t.Fatal(err)
	}
	if _, tot := d.Dims(); tot != p+q {
		t.Fatalf("total cols=%d", tot)
	}

	beta := make([]float64, p+q)
	beta[2], beta[7], beta[p] = 1.5, -0.7, 0.3
	xb := make([]float64, n)
	d.MulVec(beta, xb)
	for i := 0; i < n; i++ {
		want := 1.5*g.At(i, 2) - 0.7*g.At(i, 7) + 0.3*c.At(i, 0)
		if math.Abs(xb[i]-want) > 1e-10 {
			t.Fatalf("row %d: got %v want %v", i, xb[i], want)
		}
	}

	// X'w 与逐元素对照
	w := make([]float64, n)
	for i := range w {
		w[i] = rng.NormFloat64()
	}
	score := make([]float64, p+q)
	d.MulVecT(w, score)
	for j := 0; j < p+q; j++ {
		naive := 0.0
		for i := 0; i < n; i++ {
			naive += d.At(i, j) * w[i]
		}
		if math.Abs(score[j]-naive) > 1e-8*(1+math.Abs(naive)) {
			t.Fatalf("col %d: got %v want %v", j, score[j], naive)
		}
	}
}

func TestRestrictExtractsActiveColumns(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	n, p := 50, 10
	g, _ := NewGenoBlock(randomCodes(rng, n, p, 0), n, p)
	d, _ := NewDesign(g, nil)

	active := []int{1, 4, 8}
	thin := mat.NewDense(n, len(active), nil)
	d.Restrict(active, thin)
	for c, j := range active {
		for i := 0; i < n; i++ {
			if thin.At(i, c) != d.At(i, j) {
				t.Fatalf("thin(%d,%d) != X(%d,%d)", i, c, i, j)
			}
		}
	}
}

func TestSubsetRowsRecomputesStats(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	n, p := 100, 8
	g, _ := NewGenoBlock(randomCodes(rng, n, p, 0), n, p)
	d, _ := NewDesign(g, nil)

	rows := make([]int, 0, 50)
	for i := 0; i < 50; i++ {
		rows = append(rows, i*2)
	}
	sub, err := d.SubsetRows(rows)
	if err != nil {
		t.Fatal(err)
	}
	sn, sp := sub.Dims()
	if sn != 50 || sp != p {
		t.Fatalf("subset dims %d×%d", sn, sp)
	}
	// 原始编码必须一致, 标准化统计量在子样本上重算
	for ri, i := range rows {
		for j := 0; j < p; j++ {
			if sub.Geno().Code(ri, j) != g.Code(i, j) {
				t.Fatalf("code mismatch at (%d,%d)", ri, j)
			}
		}
	}
}

func TestNewGenoBlockRejectsBadInput(t *testing.T) {
	if _, err := NewGenoBlock([]uint8{0, 1}, 2, 2); err == nil {
		t.Fatal("length mismatch should fail")
	}
	if _, err := NewGenoBlock([]uint8{0, 1, 2, 4}, 2, 2); err == nil {
		t.Fatal("code 4 should fail")
	}
}

func BenchmarkColDot(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	n, p := 1000, 100
	g, _ := NewGenoBlock(randomCodes(rng, n, p, 0.02), n, p)
	w := make([]float64, n)
	sumW := 0.0
	for i := range w {
		w[i] = rng.NormFloat64()
		sumW += w[i]
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = g.ColDot(i%p, w, sumW)
	}
}
