// Package glmfam 提供广义线性模型的分布族与链接函数.
// 每个族暴露: 均值(反链接)、方差函数、链接导数 dμ/dη、偏差残差、对数似然贡献.
// 构造时一次性解析到具体函数指针, 热循环中不做任何运行时分派.
package glmfam

import (
	"math"

	"ihtreg/infra/errorx"
	"ihtreg/infra/errorx/errCode"
)

type Distribution int

const (
	Gaussian Distribution = iota // 正态
	Bernoulli
	Poisson
	NegBin // 负二项, 带未知dispersion r
)

type Link int

const (
	IdentityLink Link = iota
	LogitLink
	ProbitLink
	LogLink
)

// 线性预测值钳制范围, 防止指数族反链接溢出
const (
	etaClamp     = 20.0
	etaClampWide = 30.0 // NB/probit尾部需要更大的范围
)

// Family 一次构造, 整个fit生命周期内只读.
// 所有函数均已做数值保护: η先钳制再过反链接; log参数先加下限.
type Family struct {
	Dist Distribution
	Link Link

	// Mean 反链接 μ = g⁻¹(η)
	Mean func(eta float64) float64
	// Var 方差函数 V(μ); phi为dispersion(高斯为σ², NB为r)
	Var func(mu, phi float64) float64
	// LinkDeriv dμ/dη
	LinkDeriv func(eta float64) float64
	// DevResid 单样本偏差贡献 d(y, μ) ≥ 0
	DevResid func(y, mu float64) float64
	// LogLik 单样本对数似然贡献
	LogLik func(y, mu, phi float64) float64
}

// New 解析(分布, 链接)组合; 不支持的组合直接拒绝
func New(dist Distribution, link Link) (*Family, error) {
	f := &Family{Dist: dist, Link: link}
	switch dist {
	case Gaussian:
		if link != IdentityLink {
			return nil, errorx.New(errCode.INVALID_VALUE, "gaussian only supports identity link")
		}
		f.Mean = func(eta float64) float64 { return eta }
		f.LinkDeriv = func(eta float64) float64 { return 1 }
		f.Var = func(mu, phi float64) float64 { return 1 }
		f.DevResid = func(y, mu float64) float64 { d := y - mu; return d * d }
		f.LogLik = func(y, mu, phi float64) float64 {
			d := y - mu
			return -0.5 * (d*d/phi + math.Log(2*math.Pi*phi))
		}
	case Bernoulli:
		switch link {
		case LogitLink:
			f.Mean = logistic
			f.LinkDeriv = func(eta float64) float64 {
				p := logistic(eta)
				return p * (1 - p)
			}
		case ProbitLink:
			f.Mean = probitMean
			f.LinkDeriv = normPdf
		default:
			return nil, errorx.New(errCode.INVALID_VALUE, "bernoulli supports logit/probit link")
		}
		f.Var = func(mu, phi float64) float64 { return mu * (1 - mu) }
		f.DevResid = bernoulliDev
		f.LogLik = func(y, mu, phi float64) float64 {
			mu = clampProb(mu)
			return y*math.Log(mu) + (1-y)*math.Log(1-mu)
		}
	case Poisson:
		if link != LogLink {
			return nil, errorx.New(errCode.INVALID_VALUE, "poisson only supports log link")
		}
		f.Mean = expClamped
		f.LinkDeriv = expClamped
		f.Var = func(mu, phi float64) float64 { return mu }
		f.DevResid = func(y, mu float64) float64 {
			d := -(y - mu)
			if y > 0 {
				d += y * math.Log(y/mu)
			}
			return 2 * d
		}
		f.LogLik = func(y, mu, phi float64) float64 {
			lg, _ := math.Lgamma(y + 1)
			return y*math.Log(mu+tiny) - mu - lg
		}
	case NegBin:
		if link != LogLink {
			return nil, errorx.New(errCode.INVALID_VALUE, "negative binomial only supports log link")
		}
		f.Mean = expClampedWide
		f.LinkDeriv = expClampedWide
		// V(μ) = μ + μ²/r
		f.Var = func(mu, phi float64) float64 { return mu + mu*mu/phi }
		f.DevResid = func(y, mu float64) float64 {
			// 以r=1近似的偏差残差仅用于初筛; 交叉验证误差用LogLik
			d := 0.0
			if y > 0 {
				d += y * math.Log(y/mu)
			}
			d -= (y + 1) * math.Log((y+1)/(mu+1))
			return 2 * d
		}
		f.LogLik = negbinLogLik
	default:
		return nil, errorx.Newf(errCode.INVALID_VALUE, "unknown distribution %d", dist)
	}
	return f, nil
}

// ClampEta 常规族的η钳制
func ClampEta(eta float64) float64 {
	return clamp(eta, etaClamp)
}

// ClampEtaWide NB/probit用的宽钳制
func ClampEtaWide(eta float64) float64 {
	return clamp(eta, etaClampWide)
}

func clamp(x, b float64) float64 {
	if x > b {
		return b
	}
	if x < -b {
		return -b
	}
	return x
}

const tiny = 1e-12

func clampProb(p float64) float64 {
	if p < tiny {
		return tiny
	}
	if p > 1-tiny {
		return 1 - tiny
	}
	return p
}

func logistic(eta float64) float64 {
	eta = clamp(eta, etaClamp)
	return 1.0 / (1.0 + math.Exp(-eta))
}

// probitMean Φ(η) = erfc(-η/√2)/2
func probitMean(eta float64) float64 {
	eta = clamp(eta, etaClampWide)
	return 0.5 * math.Erfc(-eta/math.Sqrt2)
}

func normPdf(eta float64) float64 {
	eta = clamp(eta, etaClampWide)
	return math.Exp(-0.5*eta*eta) / math.Sqrt(2*math.Pi)
}

func expClamped(eta float64) float64 {
	return math.Exp(clamp(eta, etaClamp))
}

func expClampedWide(eta float64) float64 {
	return math.Exp(clamp(eta, etaClampWide))
}

func bernoulliDev(y, mu float64) float64 {
	mu = clampProb(mu)
	d := 0.0
	if y > 0 {
		d += y * math.Log(y/mu)
	}
	if y < 1 {
		d += (1 - y) * math.Log((1-y)/(1-mu))
	}
	return 2 * d
}

// negbinLogLik 负二项对数似然:
//
//	ℓ = lnΓ(y+r) - lnΓ(r) - lnΓ(y+1) + r·ln(r/(r+μ)) + y·ln(μ/(r+μ))
func negbinLogLik(y, mu, r float64) float64 {
	lgYR, _ := math.Lgamma(y + r)
	lgR, _ := math.Lgamma(r)
	lgY1, _ := math.Lgamma(y + 1)
	return lgYR - lgR - lgY1 + r*math.Log(r/(r+mu)) + y*math.Log(mu/(r+mu)+tiny)
}

// LogLikSum 样本对数似然求和; 任一项非有限立即返回该值
func (f *Family) LogLikSum(y, mu []float64, phi float64) float64 {
	ll := 0.0
	for i := range y {
		v := f.LogLik(y[i], mu[i], phi)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return v
		}
		ll += v
	}
	return ll
}

// DevianceSum 样本偏差求和(交叉验证的held-out误差)
func (f *Family) DevianceSum(y, mu []float64) float64 {
	d := 0.0
	for i := range y {
		d += f.DevResid(y[i], mu[i])
	}
	return d
}
