package iht

import (
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"ihtreg/infra/errorx"
	"ihtreg/infra/errorx/errCode"
	"ihtreg/infra/logx"
	"ihtreg/ml/projectk"
	"ihtreg/ml/snpdesign"
)

// 多变量高斯IHT: 响应Y为n×t, 系数B为t×p, 误差精度Γ与B联合估计.
// 控制流与单变量引擎一致, 差异只在:
//   - score = Γ·(Y-XB')'·X, 即先用Σ的Cholesky解 W=Σ⁻¹E', 再 G=W·X;
//   - Γ每轮由残差经验协方差闭式重估, 不稳时做特征值下限投影保正定;
//   - 步长二次型经Cholesky解算, 不显式构造Γ.

// 协方差特征值下限(相对于最大特征值)
const eigFloorRatio = 1e-8

type mvState struct {
	n, p, t int
	budget  int

	b, bPrev []float64  // t×p 行主序展平
	e        *mat.Dense // 残差 Y-XB'
	score    []float64  // t×p 展平

	sigma *mat.SymDense // 残差协方差 Σ
	chol  mat.Cholesky

	activeIdx      []int // 展平下标
	logl, loglPrev float64
}

// FitMultivariate 多性状联合稀疏拟合, k为B全矩阵的非零预算
func FitMultivariate(d *snpdesign.Design, Y *mat.Dense, k int, opt *Options) (*ResultMV, error) {
	start := time.Now()
	if opt == nil {
		opt = CurrentOptions()
	}
	if d == nil || Y == nil {
		return nil, errorx.New(errCode.EMPTY_VALUE, "design/response is nil")
	}
	n, p := d.Dims()
	yn, t := Y.Dims()
	if yn != n {
		return nil, errorx.Newf(errCode.DIM_MISMATCH, "响应行数%d != 样本数%d", yn, n)
	}
	if k < 1 || k > p*t {
		return nil, errorx.Newf(errCode.INVALID_VALUE, "sparsity budget k=%d out of [1,%d]", k, p*t)
	}
	if err := opt.validate(); err != nil {
		return nil, err
	}

	s := &mvState{
		n: n, p: p, t: t, budget: k,
		b:     make([]float64, t*p),
		bPrev: make([]float64, t*p),
		e:     mat.NewDense(n, t, nil),
		score: make([]float64, t*p),
		sigma: mat.NewSymDense(t, nil),
	}
	rng := rand.New(rand.NewSource(opt.Seed))

	if err := mvRefresh(s, d, Y); err != nil {
		return nil, err
	}
	if err := mvScore(s, d); err != nil {
		return nil, err
	}

	// 初始活跃集: score的top-k
	tmp := append([]float64(nil), s.score...)
	if err := projectk.TopK(tmp, k); err != nil {
		return nil, err
	}
	s.activeIdx = projectk.Support(tmp)

	bestLogl := math.Inf(-1)
	bestB := make([]float64, t*p)

	converged := false
	iter := 0
	for it := 1; it <= opt.MaxIter; it++ {
		iter = it
		copy(s.bPrev, s.b)
		s.loglPrev = s.logl

		stepSize, err := mvStepSize(s, d)
		if err != nil {
			return nil, err
		}

		if err := mvTakeStep(s, d, Y, k, stepSize, rng); err != nil {
			return nil, err
		}
		for bt := 0; bt < opt.MaxBacktrack && s.logl < s.loglPrev; bt++ {
			stepSize *= 0.5
			if err := mvTakeStep(s, d, Y, k, stepSize, rng); err != nil {
				return nil, err
			}
		}

		if err := mvScore(s, d); err != nil {
			return nil, err
		}

		if s.logl > bestLogl {
			bestLogl = s.logl
			copy(bestB, s.b)
		}

		if it > 1 && mvMaxScaledChange(s) < opt.Tol {
			converged = true
			break
		}
	}

	if !converged {
		logx.Log.Infof("iht(mv): exceeded %d iterations, returning best iterate", opt.MaxIter)
		copy(s.b, bestB)
		if err := mvRefresh(s, d, Y); err != nil {
			return nil, err
		}
	}

	// 输出精度矩阵 Γ = Σ⁻¹
	gamma := mat.NewSymDense(t, nil)
	if err := s.chol.InverseTo(gamma); err != nil {
		return nil, errorx.New(errCode.NUMERIC_ERROR, "precision matrix inversion failed")
	}

	B := mat.NewDense(t, p, append([]float64(nil), s.b...))
	return &ResultMV{
		Time:      time.Since(start),
		LogLik:    s.logl,
		Iter:      iter,
		B:         B,
		Gamma:     gamma,
		K:         k,
		Converged: converged,
	}, nil
}

// mvRefresh B变动后重算残差E=Y-XB'、Σ(带正定保护)与似然
func mvRefresh(s *mvState, d *snpdesign.Design, Y *mat.Dense) error {
	// 每个性状一次稀疏matvec
	col := make([]float64, s.n)
	for tr := 0; tr < s.t; tr++ {
		d.MulVec(s.b[tr*s.p:(tr+1)*s.p], col)
		for i := 0; i < s.n; i++ {
			s.e.Set(i, tr, Y.At(i, tr)-col[i])
		}
	}

	// Σ = E'E/n, 闭式重估
	for a := 0; a < s.t; a++ {
		for c := a; c < s.t; c++ {
			sum := 0.0
			for i := 0; i < s.n; i++ {
				sum += s.e.At(i, a) * s.e.At(i, c)
			}
			s.sigma.SetSym(a, c, sum/float64(s.n))
		}
	}

	if !s.chol.Factorize(s.sigma) {
		// 闭式不稳: 特征值下限投影后重试
		if err := eigenFloor(s.sigma); err != nil {
			return err
		}
		if !s.chol.Factorize(s.sigma) {
			return errorx.New(errCode.NUMERIC_ERROR, "residual covariance not positive definite")
		}
		logx.Log.Warnf("iht(mv): covariance projected to eigenvalue floor")
	}

	// ℓ = -n/2·ln det Σ - ½·tr(E Σ⁻¹ E')
	logDet := s.chol.LogDet()
	var w mat.Dense // Σ⁻¹E' → t×n
	if err := s.chol.SolveTo(&w, s.e.T()); err != nil {
		return errorx.New(errCode.NUMERIC_ERROR, "covariance solve failed")
	}
	tr := 0.0
	for i := 0; i < s.n; i++ {
		for a := 0; a < s.t; a++ {
			tr += s.e.At(i, a) * w.At(a, i)
		}
	}
	s.logl = -0.5*float64(s.n)*logDet - 0.5*tr
	if math.IsNaN(s.logl) || math.IsInf(s.logl, 0) {
		return errorx.New(errCode.NUMERIC_ERROR, "non-finite log-likelihood")
	}
	return nil
}

// mvScore G = (Σ⁻¹E')·X, 展平写入score
func mvScore(s *mvState, d *snpdesign.Design) error {
	var w mat.Dense
	if err := s.chol.SolveTo(&w, s.e.T()); err != nil {
		return errorx.Newf(errCode.NUMERIC_ERROR, "covariance solve failed: %v", err)
	}
	row := make([]float64, s.n)
	out := make([]float64, s.p)
	for tr := 0; tr < s.t; tr++ {
		for i := 0; i < s.n; i++ {
			row[i] = w.At(tr, i)
		}
		d.MulVecT(row, out)
		copy(s.score[tr*s.p:(tr+1)*s.p], out)
	}
	return nil
}

// mvStepSize η = ‖G_act‖²_F / tr(U Σ⁻¹ U'), U = X·G_act'
// 二次型经Cholesky解算, 不显式构造Γ
func mvStepSize(s *mvState, d *snpdesign.Design) (float64, error) {
	num := 0.0
	for _, j := range s.activeIdx {
		num += s.score[j] * s.score[j]
	}
	if num == 0 {
		logx.Log.Warnf("iht(mv): degenerate zero score, fallback step")
		return fallbackStep, nil
	}

	u := mat.NewDense(s.n, s.t, nil)
	dir := make([]float64, s.p)
	col := make([]float64, s.n)
	for tr := 0; tr < s.t; tr++ {
		for j := range dir {
			dir[j] = 0
		}
		for _, j := range s.activeIdx {
			if j/s.p == tr {
				dir[j%s.p] = s.score[j]
			}
		}
		d.MulVec(dir, col)
		for i := 0; i < s.n; i++ {
			u.Set(i, tr, col[i])
		}
	}

	var v mat.Dense // Σ⁻¹U' → t×n
	if err := s.chol.SolveTo(&v, u.T()); err != nil {
		return 0, errorx.New(errCode.NUMERIC_ERROR, "step-size solve failed")
	}
	den := 0.0
	for i := 0; i < s.n; i++ {
		for a := 0; a < s.t; a++ {
			den += u.At(i, a) * v.At(a, i)
		}
	}
	if den <= 0 || math.IsNaN(den) || math.IsInf(den, 0) {
		return 0, errorx.New(errCode.NUMERIC_ERROR, "non-finite step size")
	}
	return num / den, nil
}

func mvTakeStep(s *mvState, d *snpdesign.Design, Y *mat.Dense, k int, stepSize float64, rng *rand.Rand) error {
	copy(s.b, s.bPrev)
	floats.AddScaled(s.b, stepSize, s.score)
	if err := projectk.TopK(s.b, k); err != nil {
		return err
	}
	if nnz(s.b) > k {
		projectk.TrimExcess(s.b, k, len(s.b), rng)
	}
	s.activeIdx = projectk.Support(s.b)
	return mvRefresh(s, d, Y)
}

func mvMaxScaledChange(s *mvState) float64 {
	num, den := 0.0, 0.0
	for j := range s.b {
		if d := math.Abs(s.b[j] - s.bPrev[j]); d > num {
			num = d
		}
		if a := math.Abs(s.bPrev[j]); a > den {
			den = a
		}
	}
	return num / (den + 1)
}

// eigenFloor 对称矩阵特征值下限投影: λᵢ ← max(λᵢ, ratio·λ_max)
func eigenFloor(a *mat.SymDense) error {
	var eig mat.EigenSym
	if !eig.Factorize(a, true) {
		return errorx.New(errCode.NUMERIC_ERROR, "eigendecomposition failed")
	}
	vals := eig.Values(nil)
	maxV := 0.0
	for _, v := range vals {
		if v > maxV {
			maxV = v
		}
	}
	if maxV <= 0 {
		return errorx.New(errCode.NUMERIC_ERROR, "covariance has no positive eigenvalue")
	}
	floor := eigFloorRatio * maxV
	for i, v := range vals {
		if v < floor {
			vals[i] = floor
		}
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	t := len(vals)
	for r := 0; r < t; r++ {
		for c := r; c < t; c++ {
			sum := 0.0
			for m := 0; m < t; m++ {
				sum += vecs.At(r, m) * vals[m] * vecs.At(c, m)
			}
			a.SetSym(r, c, sum)
		}
	}
	return nil
}
