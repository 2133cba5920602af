// Package snpdesign 提供IHT所需的设计矩阵视图:
// 宽的2bit压缩基因型块 + 窄的稠密协变量块, 全程不物化完整矩阵.
package snpdesign

import (
	"math"

	"github.com/bits-and-blooms/bitset"

	"ihtreg/infra/errorx"
	"ihtreg/infra/errorx/errCode"
)

// 基因型编码: 0/1/2为次等位基因计数, 3为缺失
const (
	CodeMissing uint8 = 3
)

// GenoBlock n×p基因型矩阵, 按列主序存两张bit平面(lo/hi), 值 = lo + 2·hi.
// 标准化统计量(均值/标准差倒数)在构造时一次算好, 之后只读;
// 优化过程中重算这批统计量属于正确性bug, 不是性能问题.
type GenoBlock struct {
	n, p   int
	lo, hi *bitset.BitSet
	mean   []float64 // 列均值(缺失按均值填补)
	invStd []float64 // 1/std; 单态列为0, 该列恒为零不参与选择
}

// NewGenoBlock codes为行主序的n×p编码(0/1/2/3)
func NewGenoBlock(codes []uint8, n, p int) (*GenoBlock, error) {
	if n <= 0 || p <= 0 {
		return nil, errorx.New(errCode.INVALID_VALUE, "n/p must be positive")
	}
	if len(codes) != n*p {
		return nil, errorx.Newf(errCode.DIM_MISMATCH, "codes长度%d != n*p=%d", len(codes), n*p)
	}

	total := uint(n * p)
	g := &GenoBlock{
		n:      n,
		p:      p,
		lo:     bitset.New(total),
		hi:     bitset.New(total),
		mean:   make([]float64, p),
		invStd: make([]float64, p),
	}

	for j := 0; j < p; j++ {
		base := uint(j * n)
		sum, sumSq := 0.0, 0.0
		cnt := 0
		for i := 0; i < n; i++ {
			c := codes[i*p+j]
			if c > 3 {
				return nil, errorx.Newf(errCode.INVALID_VALUE, "invalid genotype code %d at (%d,%d)", c, i, j)
			}
			if c&1 != 0 {
				g.lo.Set(base + uint(i))
			}
			if c&2 != 0 {
				g.hi.Set(base + uint(i))
			}
			if c != CodeMissing {
				v := float64(c)
				sum += v
				sumSq += v * v
				cnt++
			}
		}
		if cnt == 0 {
			// 整列缺失: 均值0, 恒为零列
			continue
		}
		mu := sum / float64(cnt)
		g.mean[j] = mu
		variance := sumSq/float64(cnt) - mu*mu
		if variance > 1e-12 {
			g.invStd[j] = 1.0 / math.Sqrt(variance)
		}
	}
	return g, nil
}

func (g *GenoBlock) Dims() (n, p int) { return g.n, g.p }

// MeanInvStd 第j列的标准化统计量(μⱼ, 1/σⱼ)
func (g *GenoBlock) MeanInvStd(j int) (mean, invStd float64) {
	return g.mean[j], g.invStd[j]
}

// Code 原始编码(0/1/2/3)
func (g *GenoBlock) Code(i, j int) uint8 {
	idx := uint(j*g.n + i)
	var c uint8
	if g.lo.Test(idx) {
		c = 1
	}
	if g.hi.Test(idx) {
		c += 2
	}
	return c
}

// At 标准化后的取值 (c - μⱼ)·sⱼ; 缺失按均值填补即0
func (g *GenoBlock) At(i, j int) float64 {
	idx := uint(j*g.n + i)
	c := 0
	if g.lo.Test(idx) {
		c = 1
	}
	if g.hi.Test(idx) {
		c += 2
	}
	if uint8(c) == CodeMissing {
		return 0
	}
	return (float64(c) - g.mean[j]) * g.invStd[j]
}

// ColDot 单列与权重向量内积(标准化空间), MulVecT的热内核.
// 通过两张bit平面的NextSet扫描避开逐元素解码:
//
//	∑(val-μ)w = ∑_{lo}w + 2∑_{hi}w - 3∑_{both}w + μ∑_{both}w - μ∑w
func (g *GenoBlock) ColDot(j int, w []float64, sumW float64) float64 {
	if g.invStd[j] == 0 {
		return 0
	}
	base := uint(j * g.n)
	end := base + uint(g.n)

	var sLo, sHi, sBoth float64
	for i, ok := g.lo.NextSet(base); ok && i < end; i, ok = g.lo.NextSet(i + 1) {
		sLo += w[i-base]
		if g.hi.Test(i) {
			sBoth += w[i-base]
		}
	}
	for i, ok := g.hi.NextSet(base); ok && i < end; i, ok = g.hi.NextSet(i + 1) {
		sHi += w[i-base]
	}

	mu := g.mean[j]
	raw := sLo + 2*sHi - 3*sBoth + mu*sBoth - mu*sumW
	return raw * g.invStd[j]
}

// AxpyCol dst += a·第j列(标准化空间)
func (g *GenoBlock) AxpyCol(a float64, j int, dst []float64) {
	if a == 0 || g.invStd[j] == 0 {
		return
	}
	for i := 0; i < g.n; i++ {
		dst[i] += a * g.At(i, j)
	}
}
