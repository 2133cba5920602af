package iht

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"ihtreg/infra/errorx"
	"ihtreg/infra/errorx/errCode"
	"ihtreg/ml/glmfam"
)

// 活跃列上的无惩罚极大似然重拟合(去偏).
// 高斯恒等链接为一次加权最小二乘; 其余族做若干轮IRLS:
//
//	z = η + (y-μ)/g'(η),  w = g'(η)²/V(μ),  解 (T'WT)γ = T'Wz
const debiasIRLSIter = 5

// solveWLS 求解 (T'WT)γ = T'Wz, T为n×m瘦矩阵(m=活跃列数).
// 正规方程先走Cholesky; 病态时退回SVD伪逆.
func solveWLS(T *mat.Dense, w, z []float64, m int) ([]float64, error) {
	n, _ := T.Dims()
	A := mat.NewSymDense(m, nil)
	b := make([]float64, m)
	for a := 0; a < m; a++ {
		for c := a; c < m; c++ {
			s := 0.0
			for i := 0; i < n; i++ {
				s += T.At(i, a) * w[i] * T.At(i, c)
			}
			A.SetSym(a, c, s)
		}
		s := 0.0
		for i := 0; i < n; i++ {
			s += T.At(i, a) * w[i] * z[i]
		}
		b[a] = s
	}

	var chol mat.Cholesky
	if chol.Factorize(A) {
		out := mat.NewVecDense(m, nil)
		if err := chol.SolveVecTo(out, mat.NewVecDense(m, b)); err == nil {
			return out.RawVector().Data, nil
		}
	}

	// 共线退化: SVD伪逆
	pinv, err := pseudoInverse(mat.DenseCopyOf(A))
	if err != nil {
		return nil, err
	}
	out := mat.NewVecDense(m, nil)
	out.MulVec(pinv, mat.NewVecDense(m, b))
	return out.RawVector().Data, nil
}

// pseudoInverse 用SVD求广义逆矩阵
func pseudoInverse(A *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	ok := svd.Factorize(A, mat.SVDThin)
	if !ok {
		return nil, errorx.New(errCode.NUMERIC_ERROR, "SVD分解失败")
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	sigma := svd.Values(nil)
	m, n := A.Dims()
	sInv := mat.NewDense(n, m, nil)

	tol := 1e-12 // 小奇异值截断阈值
	for i, val := range sigma {
		if val > tol {
			sInv.Set(i, i, 1.0/val)
		}
	}

	var temp mat.Dense
	temp.Mul(&v, sInv)
	var uT mat.Dense
	uT.CloneFrom(u.T())

	var pinv mat.Dense
	pinv.Mul(&temp, &uT)
	return &pinv, nil
}

// debiasRefit 在当前活跃列上做无惩罚MLE, 替换硬阈值后的系数.
// T为已填充的瘦设计矩阵(s.thin前m列).
func debiasRefit(s *state, y []float64, fam *glmfam.Family) error {
	m := len(s.activeIdx)
	if m == 0 {
		return nil
	}
	T := s.thin.Slice(0, s.n, 0, m).(*mat.Dense)

	// 从当前系数出发
	gamma := make([]float64, m)
	for c, j := range s.activeIdx {
		gamma[c] = s.beta[j]
	}

	eta := make([]float64, s.n)
	w := make([]float64, s.n)
	z := make([]float64, s.n)
	iters := debiasIRLSIter
	if fam.Dist == glmfam.Gaussian {
		iters = 1
	}
	for it := 0; it < iters; it++ {
		for i := 0; i < s.n; i++ {
			e := 0.0
			for c := 0; c < m; c++ {
				e += T.At(i, c) * gamma[c]
			}
			eta[i] = e
			mu := fam.Mean(e)
			gd := fam.LinkDeriv(e)
			v := fam.Var(mu, s.phi)
			if v < 1e-10 {
				v = 1e-10
			}
			if gd == 0 {
				gd = 1e-10
			}
			w[i] = gd * gd / v
			z[i] = e + (y[i]-mu)/gd
		}
		g2, err := solveWLS(T, w, z, m)
		if err != nil {
			return err
		}
		gamma = g2
	}

	for c, j := range s.activeIdx {
		if math.IsNaN(gamma[c]) || math.IsInf(gamma[c], 0) {
			return errorx.New(errCode.NUMERIC_ERROR, "debias refit produced non-finite coefficient")
		}
		s.beta[j] = gamma[c]
	}
	return nil
}
