package glmfam

import (
	"math"

	"gonum.org/v1/gonum/mathext"

	"ihtreg/infra/errorx"
	"ihtreg/infra/errorx/errCode"
)

// 负二项dispersion r的profile似然估计.
// 固定μ, 对r的profile对数似然(略去与r无关项):
//
//	L(r)  = ∑ [lnΓ(yᵢ+r) - lnΓ(r) + r·ln r - (r+yᵢ)·ln(r+μᵢ) + yᵢ·ln μᵢ]
//	L'(r) = ∑ [ψ(yᵢ+r) - ψ(r) + ln r + 1 - ln(r+μᵢ) - (r+yᵢ)/(r+μᵢ)]
//	L''(r)= ∑ [ψ₁(yᵢ+r) - ψ₁(r) + 1/r - 2/(r+μᵢ) + (r+yᵢ)/(r+μᵢ)²]
//
// ψ为digamma, ψ₁为trigamma(=Hurwitz ζ(2,·)).

const (
	dispTol     = 1e-6
	dispMaxIter = 100
	dispMaxHalf = 20
)

func trigamma(x float64) float64 {
	return mathext.Zeta(2, x)
}

func nbProfileLogLik(y, mu []float64, r float64) float64 {
	ll := 0.0
	for i := range y {
		lgYR, _ := math.Lgamma(y[i] + r)
		lgR, _ := math.Lgamma(r)
		ll += lgYR - lgR + r*math.Log(r) - (r+y[i])*math.Log(r+mu[i])
		if y[i] > 0 {
			ll += y[i] * math.Log(mu[i]+tiny)
		}
	}
	return ll
}

func nbProfileDeriv(y, mu []float64, r float64) (d1, d2 float64) {
	psiR := mathext.Digamma(r)
	triR := trigamma(r)
	logR := math.Log(r)
	for i := range y {
		rm := r + mu[i]
		d1 += mathext.Digamma(y[i]+r) - psiR + logR + 1 - math.Log(rm) - (r+y[i])/rm
		d2 += trigamma(y[i]+r) - triR + 1/r - 2/rm + (r+y[i])/(rm*rm)
	}
	return d1, d2
}

// NewtonDispersion Newton法估计r, 带限步线搜索.
// 每步最多折半20次, 拒绝非正候选值与似然不升的候选值;
// 二阶导非负(非凹区)时退化为纯梯度上升.
// 收敛判据 |Δr| < 1e-6, 上限100轮; 失败返回错误由调用方切MM兜底.
func NewtonDispersion(y, mu []float64, r0 float64) (float64, error) {
	if len(y) == 0 || len(y) != len(mu) {
		return 0, errorx.New(errCode.DIM_MISMATCH, "y/mu长度不匹配或为空")
	}
	if r0 <= 0 {
		return 0, errorx.New(errCode.INVALID_VALUE, "initial r must be positive")
	}

	r := r0
	ll := nbProfileLogLik(y, mu, r)
	for it := 0; it < dispMaxIter; it++ {
		d1, d2 := nbProfileDeriv(y, mu, r)
		var step float64
		if d2 < 0 {
			step = -d1 / d2
		} else {
			// 非凹区: 梯度上升
			step = d1
		}

		// 限步线搜索: 候选必须为正且似然不降
		rNew, llNew := r, ll
		accepted := false
		for h := 0; h < dispMaxHalf; h++ {
			cand := r + step
			if cand > 0 {
				cll := nbProfileLogLik(y, mu, cand)
				if cll >= ll && !math.IsNaN(cll) {
					rNew, llNew = cand, cll
					accepted = true
					break
				}
			}
			step *= 0.5
		}
		if !accepted {
			return 0, errorx.New(errCode.NUMERIC_ERROR, "newton dispersion: line search exhausted")
		}

		if math.Abs(rNew-r) < dispTol {
			return rNew, nil
		}
		r, ll = rNew, llNew
	}
	return 0, errorx.New(errCode.NUMERIC_ERROR, "newton dispersion: max iterations")
}

// MMDispersion MM(minorize-maximize)不动点估计r.
// 由Jensen不等式构造的minorizer得到闭式更新:
//
//	r⁺ = r·∑ᵢ[ψ(yᵢ+r) - ψ(r)] / ∑ᵢ ln(1 + μᵢ/r)
//
// 单调升, 慢但稳, 作为Newton失败时的兜底.
func MMDispersion(y, mu []float64, r0 float64) (float64, error) {
	if len(y) == 0 || len(y) != len(mu) {
		return 0, errorx.New(errCode.DIM_MISMATCH, "y/mu长度不匹配或为空")
	}
	if r0 <= 0 {
		return 0, errorx.New(errCode.INVALID_VALUE, "initial r must be positive")
	}

	r := r0
	for it := 0; it < dispMaxIter; it++ {
		psiR := mathext.Digamma(r)
		num, den := 0.0, 0.0
		for i := range y {
			num += mathext.Digamma(y[i]+r) - psiR
			den += math.Log1p(mu[i] / r)
		}
		if den <= 0 || num <= 0 {
			// 全零响应等退化情形: 保持当前r
			return r, nil
		}
		rNew := r * num / den
		if math.IsNaN(rNew) || math.IsInf(rNew, 0) || rNew <= 0 {
			return 0, errorx.New(errCode.NUMERIC_ERROR, "mm dispersion: invalid update")
		}
		if math.Abs(rNew-r) < dispTol {
			return rNew, nil
		}
		r = rNew
	}
	// MM单调, 到达上限时返回当前值即可
	return r, nil
}

// EstimateDispersion 先Newton, 失败或结果非法时切MM
func EstimateDispersion(y, mu []float64, r0 float64) (float64, error) {
	r, err := NewtonDispersion(y, mu, r0)
	if err == nil && r > 0 && !math.IsNaN(r) && !math.IsInf(r, 0) {
		return r, nil
	}
	return MMDispersion(y, mu, r0)
}
