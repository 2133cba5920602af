// Package iht 实现带硬稀疏约束的广义线性模型估计:
// 迭代硬阈值(IHT) = Newton型梯度步 + top-k/分组投影 + 回溯线搜索,
// 以及按折×稀疏度网格并行的交叉验证调参.
package iht

import (
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/floats"

	"ihtreg/infra/errorx"
	"ihtreg/infra/errorx/errCode"
	"ihtreg/infra/logx"
	"ihtreg/ml/glmfam"
	"ihtreg/ml/projectk"
	"ihtreg/ml/snpdesign"
)

// 退化score时的保守回退步长
const fallbackStep = 1e-3

// Fit 单模型IHT拟合: 预算k个非零系数(分组时按MaxGroups×组预算).
// 迭代预算耗尽不是错误, Result.Converged=false并携带最优迭代点;
// 非有限似然或步长是致命错误, 立即中止不重试.
func Fit(d *snpdesign.Design, y []float64, fam *glmfam.Family, k int, opt *Options) (*Result, error) {
	start := time.Now()
	if opt == nil {
		opt = CurrentOptions()
	}
	if err := validateFit(d, y, fam, k, opt); err != nil {
		return nil, err
	}

	n, p := d.Dims()
	budget := supportBudget(k, opt)
	s := newState(n, p, budget)
	rng := rand.New(rand.NewSource(opt.Seed))

	if err := initFit(s, d, y, fam, k, opt); err != nil {
		return nil, err
	}

	// 最优迭代点: 预算耗尽时返回它
	bestLogl := math.Inf(-1)
	bestBeta := make([]float64, p)
	bestPhi := s.phi

	converged := false
	iter := 0
	for it := 1; it <= opt.MaxIter; it++ {
		iter = it
		s.save()

		// 步长 η = ‖v‖² / (v'·X'WX·v), v为活跃集上的score;
		// 信息算子X'WX从不物化, 只算一次X·v再加权
		computeWeights(s, fam)
		num := s.scoreNormOnActive()
		stepSize := fallbackStep
		if num == 0 {
			logx.Log.Warnf("iht: degenerate zero score at iter %d, fallback step", it)
		} else {
			for j := range s.scratch {
				s.scratch[j] = 0
			}
			for _, j := range s.activeIdx {
				s.scratch[j] = s.score[j]
			}
			d.MulVec(s.scratch, s.stepu)
			den := 0.0
			for i := 0; i < n; i++ {
				den += s.wvec[i] * s.stepu[i] * s.stepu[i]
			}
			if den > 0 {
				stepSize = num / den
			} else {
				logx.Log.Warnf("iht: non-positive curvature at iter %d, fallback step", it)
			}
		}
		if math.IsNaN(stepSize) || math.IsInf(stepSize, 0) || stepSize <= 0 {
			return nil, errorx.Newf(errCode.NUMERIC_ERROR, "non-finite step size at iter %d", it)
		}

		// 梯度上升 + 投影, 似然不升则从上一迭代点折半重来
		if err := takeStep(s, d, y, fam, k, stepSize, opt, rng); err != nil {
			return nil, err
		}
		for bt := 0; bt < opt.MaxBacktrack && s.logl < s.loglPrev; bt++ {
			stepSize *= 0.5
			if err := takeStep(s, d, y, fam, k, stepSize, opt, rng); err != nil {
				return nil, err
			}
		}
		if s.logl < s.loglPrev {
			// GLM路径: 回溯预算耗尽不致命, 继续迭代并保留最优点
			logx.Log.Debugf("iht: backtracking exhausted at iter %d (logl %.6g < %.6g)", it, s.logl, s.loglPrev)
		}

		updateDispersion(s, y, fam)

		// 新支撑上的score
		computeResid(s, y, fam)
		d.MulVecT(s.resid, s.score)

		if opt.Debias && len(s.activeIdx) == budget {
			d.Restrict(s.activeIdx, s.thin)
			if err := debiasRefit(s, y, fam); err != nil {
				return nil, err
			}
			refreshFromBeta(s, d, y, fam)
			d.MulVecT(s.resid, s.score)
		}

		if s.logl > bestLogl {
			bestLogl = s.logl
			copy(bestBeta, s.beta)
			bestPhi = s.phi
		}

		// 至少一轮完整迭代后才允许宣告收敛, 避免零起点误收敛
		if it > 1 && s.maxScaledChange() < opt.Tol {
			converged = true
			break
		}
	}

	if !converged {
		logx.Log.Infof("iht: exceeded %d iterations, returning best iterate (logl=%.6g)", opt.MaxIter, bestLogl)
		copy(s.beta, bestBeta)
		s.logl = bestLogl
		s.phi = bestPhi
	}

	gp := d.GenoP()
	res := &Result{
		Time:      time.Since(start),
		LogLik:    s.logl,
		Iter:      iter,
		Beta:      append([]float64(nil), s.beta[:gp]...),
		Phi:       s.phi,
		K:         k,
		Converged: converged,
	}
	if p > gp {
		res.CovarBeta = append([]float64(nil), s.beta[gp:]...)
	}
	return res, nil
}

func validateFit(d *snpdesign.Design, y []float64, fam *glmfam.Family, k int, opt *Options) error {
	if d == nil {
		return errorx.New(errCode.EMPTY_VALUE, "design is nil")
	}
	if fam == nil {
		return errorx.New(errCode.EMPTY_VALUE, "family is nil")
	}
	n, p := d.Dims()
	if len(y) != n {
		return errorx.Newf(errCode.DIM_MISMATCH, "响应长度%d != 样本数%d", len(y), n)
	}
	if k < 1 || k > p {
		return errorx.Newf(errCode.INVALID_VALUE, "sparsity budget k=%d out of [1,%d]", k, p)
	}
	if err := opt.validate(); err != nil {
		return err
	}
	if opt.Weights != nil && len(opt.Weights) != p {
		return errorx.New(errCode.DIM_MISMATCH, "prior weight length mismatch")
	}
	if opt.Groups != nil {
		if len(opt.Groups) != p {
			return errorx.New(errCode.DIM_MISMATCH, "group map length mismatch")
		}
		if err := validateGroupBudget(k, opt); err != nil {
			return err
		}
	}
	return nil
}

// validateGroupBudget 分组配置在迭代前整体校验:
// 组号1-based稠密, 逐组预算长度为1或组数, 任何组的预算不得超过其成员数
func validateGroupBudget(k int, opt *Options) error {
	nGroups := 0
	for _, g := range opt.Groups {
		if g < 1 {
			return errorx.Newf(errCode.INVALID_VALUE, "group id %d, expect 1-based dense ids", g)
		}
		if g > nGroups {
			nGroups = g
		}
	}
	kg := opt.GroupK
	if len(kg) == 0 {
		kg = []int{k}
	}
	if len(kg) != 1 && len(kg) != nGroups {
		return errorx.Newf(errCode.DIM_MISMATCH, "kPerGroup长度%d, 期望1或组数%d", len(kg), nGroups)
	}
	pop := make([]int, nGroups+1)
	for _, g := range opt.Groups {
		pop[g]++
	}
	for g := 1; g <= nGroups; g++ {
		b := kg[0]
		if len(kg) > 1 {
			b = kg[g-1]
		}
		if b < 0 || b > pop[g] {
			return errorx.Newf(errCode.INVALID_VALUE, "group %d budget %d exceeds population %d", g, b, pop[g])
		}
	}
	return nil
}

// supportBudget 投影后的活跃位置上限: 无分组为k, 分组为J·max(k[g])
func supportBudget(k int, opt *Options) int {
	if opt.Groups == nil {
		return k
	}
	maxKg := k
	for _, kg := range opt.GroupK {
		if kg > maxKg {
			maxKg = kg
		}
	}
	return opt.MaxGroups * maxKg
}

// initFit 初始化: 截距短Newton匹配边际均值, 初始score选活跃集, dispersion起点
func initFit(s *state, d *snpdesign.Design, y []float64, fam *glmfam.Family, k int, opt *Options) error {
	n, _ := d.Dims()

	switch fam.Dist {
	case glmfam.Gaussian:
		// σ²起点: 样本方差
		mean := 0.0
		for _, v := range y {
			mean += v
		}
		mean /= float64(n)
		ss := 0.0
		for _, v := range y {
			ss += (v - mean) * (v - mean)
		}
		s.phi = ss / float64(n)
		if s.phi <= 0 {
			s.phi = 1
		}
	case glmfam.NegBin:
		s.phi = 1 // r起点
	default:
		s.phi = 1
	}

	// 截距: 解 g⁻¹(b₀)=ȳ 的短Newton; 有截距协变量列(常数1)时写入其系数
	b0 := marginalIntercept(y, fam)
	gp := d.GenoP()
	if j, ok := interceptColumn(d); ok {
		s.beta[gp+j] = b0
	}

	d.MulVec(s.beta, s.xb)
	for i := 0; i < n; i++ {
		s.mu[i] = fam.Mean(s.xb[i])
	}
	s.logl = fam.LogLikSum(y, s.mu, s.phi)
	computeResid(s, y, fam)
	d.MulVecT(s.resid, s.score)

	// 初始活跃集 = score幅值top-k(分组时按组投影)
	copy(s.scratch, s.score)
	if err := projectVec(s.scratch, k, opt); err != nil {
		return err
	}
	s.active.ClearAll()
	s.activeIdx = s.activeIdx[:0]
	for j, v := range s.scratch {
		if v != 0 {
			s.active.Set(uint(j))
			s.activeIdx = append(s.activeIdx, j)
		}
	}
	return nil
}

// marginalIntercept 解 Mean(b0) = ȳ, 10步Newton足够
func marginalIntercept(y []float64, fam *glmfam.Family) float64 {
	ybar := 0.0
	for _, v := range y {
		ybar += v
	}
	ybar /= float64(len(y))

	b0 := 0.0
	for it := 0; it < 10; it++ {
		f := fam.Mean(b0) - ybar
		df := fam.LinkDeriv(b0)
		if df == 0 {
			break
		}
		next := b0 - f/df
		if math.Abs(next-b0) < 1e-10 {
			return next
		}
		b0 = next
	}
	return b0
}

// interceptColumn 协变量块里的常数1列(约定为截距), 找不到返回false
func interceptColumn(d *snpdesign.Design) (int, bool) {
	c := d.Covars()
	if c == nil {
		return 0, false
	}
	n, q := c.Dims()
	for j := 0; j < q; j++ {
		isOne := true
		for i := 0; i < n; i++ {
			if c.At(i, j) != 1 {
				isOne = false
				break
			}
		}
		if isOne {
			return j, true
		}
	}
	return 0, false
}

// computeResid score残差 rᵢ = (yᵢ-μᵢ)·g'(ηᵢ)/V(μᵢ)
func computeResid(s *state, y []float64, fam *glmfam.Family) {
	for i := 0; i < s.n; i++ {
		v := fam.Var(s.mu[i], s.phi)
		if v < 1e-10 {
			v = 1e-10
		}
		s.resid[i] = (y[i] - s.mu[i]) * fam.LinkDeriv(s.xb[i]) / v
	}
}

// computeWeights 期望信息权重 wᵢ = g'(ηᵢ)²/V(μᵢ)
func computeWeights(s *state, fam *glmfam.Family) {
	for i := 0; i < s.n; i++ {
		v := fam.Var(s.mu[i], s.phi)
		if v < 1e-10 {
			v = 1e-10
		}
		gd := fam.LinkDeriv(s.xb[i])
		s.wvec[i] = gd * gd / v
	}
}

// projectVec 按配置选择投影算子
func projectVec(x []float64, k int, opt *Options) error {
	if opt.Groups != nil {
		kg := opt.GroupK
		if len(kg) == 0 {
			kg = []int{k}
		}
		return projectk.GroupTopK(x, opt.Groups, opt.MaxGroups, kg)
	}
	if opt.Weights != nil {
		return projectk.TopKWeighted(x, opt.Weights, k)
	}
	return projectk.TopK(x, k)
}

// takeStep 从上一迭代点出发: β = β₀ + η·score → 投影 → 重算η/μ/似然.
// 投影后活跃数可能因浮点并列超预算, 随机裁剪到恰好预算数.
func takeStep(s *state, d *snpdesign.Design, y []float64, fam *glmfam.Family, k int, stepSize float64, opt *Options, rng *rand.Rand) error {
	copy(s.beta, s.betaPrev)
	floats.AddScaled(s.beta, stepSize, s.score)
	if err := projectVec(s.beta, k, opt); err != nil {
		return err
	}

	budget := supportBudget(k, opt)
	if nnz(s.beta) > budget {
		projectk.TrimExcess(s.beta, budget, d.GenoP(), rng)
	}

	refreshFromBeta(s, d, y, fam)
	if math.IsNaN(s.logl) || math.IsInf(s.logl, 0) {
		return errorx.New(errCode.NUMERIC_ERROR, "non-finite log-likelihood")
	}
	return nil
}

// refreshFromBeta β变动后重算η、μ、似然与活跃集
func refreshFromBeta(s *state, d *snpdesign.Design, y []float64, fam *glmfam.Family) {
	d.MulVec(s.beta, s.xb)
	for i := 0; i < s.n; i++ {
		s.mu[i] = fam.Mean(s.xb[i])
	}
	s.logl = fam.LogLikSum(y, s.mu, s.phi)
	s.updateActive()
}

// updateDispersion 高斯σ²=RSS/n; 负二项r走Newton, 失败切MM
func updateDispersion(s *state, y []float64, fam *glmfam.Family) {
	switch fam.Dist {
	case glmfam.Gaussian:
		rss := 0.0
		for i := 0; i < s.n; i++ {
			d := y[i] - s.mu[i]
			rss += d * d
		}
		phi := rss / float64(s.n)
		if phi > 0 {
			s.phi = phi
			s.logl = fam.LogLikSum(y, s.mu, s.phi)
		}
	case glmfam.NegBin:
		r, err := glmfam.EstimateDispersion(y, s.mu, s.phi)
		if err != nil {
			logx.Log.Warnf("iht: dispersion estimate failed (%v), keeping r=%.4g", err, s.phi)
			return
		}
		s.phi = r
		s.logl = fam.LogLikSum(y, s.mu, s.phi)
	}
}

func nnz(x []float64) int {
	c := 0
	for _, v := range x {
		if v != 0 {
			c++
		}
	}
	return c
}
