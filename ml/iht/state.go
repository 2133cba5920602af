package iht

import (
	"math"

	"github.com/bits-and-blooms/bitset"
	"gonum.org/v1/gonum/mat"
)

// state 一次优化运行的全部缓冲区, 引擎内部传引用复用;
// 瘦设计矩阵arena按最大支撑集大小(k或J·k)一次分配,
// 只在稀疏预算变化时重建, 不随迭代重分配.
type state struct {
	n, p   int
	budget int // 活跃位置上限

	beta, betaPrev []float64
	xb, xbPrev     []float64 // 线性预测值 Xβ
	mu             []float64
	score          []float64 // X'·残差score
	resid          []float64 // (y-μ)·g'(η)/V(μ)
	wvec           []float64 // 期望信息权重 g'(η)²/V(μ)
	scratch        []float64 // 稀疏方向临时向量(长度p)
	stepu          []float64 // 步长分母的X·v缓冲(长度n)

	active    *bitset.BitSet
	activeIdx []int      // cap=budget
	thin      *mat.Dense // n×budget arena

	logl, loglPrev float64
	phi            float64 // dispersion: 高斯σ²/负二项r
}

func newState(n, p, budget int) *state {
	return &state{
		n: n, p: p, budget: budget,
		beta:      make([]float64, p),
		betaPrev:  make([]float64, p),
		xb:        make([]float64, n),
		xbPrev:    make([]float64, n),
		mu:        make([]float64, n),
		score:     make([]float64, p),
		resid:     make([]float64, n),
		wvec:      make([]float64, n),
		scratch:   make([]float64, p),
		stepu:     make([]float64, n),
		active:    bitset.New(uint(p)),
		activeIdx: make([]int, 0, budget),
		thin:      mat.NewDense(n, budget, nil),
		phi:       1,
	}
}

// save 保存上一迭代点, 回溯时从这里重启
func (s *state) save() {
	copy(s.betaPrev, s.beta)
	copy(s.xbPrev, s.xb)
	s.loglPrev = s.logl
}

// updateActive 由beta的非零模式重建活跃集
func (s *state) updateActive() {
	s.active.ClearAll()
	s.activeIdx = s.activeIdx[:0]
	for j, b := range s.beta {
		if b != 0 {
			s.active.Set(uint(j))
			s.activeIdx = append(s.activeIdx, j)
		}
	}
}

// scoreNormOnActive 活跃集上的score平方和(步长分子)
func (s *state) scoreNormOnActive() float64 {
	num := 0.0
	for _, j := range s.activeIdx {
		num += s.score[j] * s.score[j]
	}
	return num
}

// maxScaledChange ‖β-β_prev‖∞ / (‖β_prev‖∞ + 1)
func (s *state) maxScaledChange() float64 {
	num, den := 0.0, 0.0
	for j := range s.beta {
		if d := math.Abs(s.beta[j] - s.betaPrev[j]); d > num {
			num = d
		}
		if a := math.Abs(s.betaPrev[j]); a > den {
			den = a
		}
	}
	return num / (den + 1)
}
