package snpdesign

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"ihtreg/infra/errorx"
	"ihtreg/infra/errorx/errCode"
)

// Design 逻辑矩阵 X = [G | C]: 宽基因型块在前, 窄协变量块在后.
// 协变量默认已标准化(截距列除外). 构造后只读, 可在并发worker间共享.
type Design struct {
	g *GenoBlock
	c *mat.Dense // n×q, 可为nil
	n int
	p int // 总列数 = 基因列 + 协变量列
}

func NewDesign(g *GenoBlock, covars *mat.Dense) (*Design, error) {
	if g == nil {
		return nil, errorx.New(errCode.EMPTY_VALUE, "geno block is nil")
	}
	n, gp := g.Dims()
	d := &Design{g: g, n: n, p: gp}
	if covars != nil {
		cn, cq := covars.Dims()
		if cn != n {
			return nil, errorx.Newf(errCode.DIM_MISMATCH, "covariate rows %d != samples %d", cn, n)
		}
		d.c = covars
		d.p += cq
	}
	return d, nil
}

func (d *Design) Dims() (n, p int) { return d.n, d.p }

// GenoP 基因型块列数; 列j < GenoP()属于宽块
func (d *Design) GenoP() int {
	_, gp := d.g.Dims()
	return gp
}

// Geno 基因型块(只读)
func (d *Design) Geno() *GenoBlock { return d.g }

// Covars 协变量块(只读), 可能为nil
func (d *Design) Covars() *mat.Dense { return d.c }

// At 标准化空间的元素访问
func (d *Design) At(i, j int) float64 {
	gp := d.GenoP()
	if j < gp {
		return d.g.At(i, j)
	}
	return d.c.At(i, j-gp)
}

// MulVec dst = X·beta, 只遍历非零系数列(beta通常k-稀疏)
func (d *Design) MulVec(beta, dst []float64) {
	for i := range dst {
		dst[i] = 0
	}
	gp := d.GenoP()
	for j, b := range beta {
		if b == 0 {
			continue
		}
		if j < gp {
			d.g.AxpyCol(b, j, dst)
		} else {
			for i := 0; i < d.n; i++ {
				dst[i] += b * d.c.At(i, j-gp)
			}
		}
	}
}

// MulVecT dst = X'·w (全量score, 每轮迭代一次的主开销)
func (d *Design) MulVecT(w, dst []float64) {
	sumW := floats.Sum(w)
	gp := d.GenoP()
	for j := 0; j < gp; j++ {
		dst[j] = d.g.ColDot(j, w, sumW)
	}
	for j := gp; j < d.p; j++ {
		s := 0.0
		for i := 0; i < d.n; i++ {
			s += d.c.At(i, j-gp) * w[i]
		}
		dst[j] = s
	}
}

// Restrict 把active列抽到瘦稠密矩阵里, 供同一轮内的稠密核重复使用.
// dst需至少n×len(active), 只写前len(active)列.
func (d *Design) Restrict(active []int, dst *mat.Dense) {
	for c, j := range active {
		for i := 0; i < d.n; i++ {
			dst.Set(i, c, d.At(i, j))
		}
	}
}

// SubsetRows 按样本下标截取成新Design(交叉验证划分折用).
// 基因型块重新压缩, 标准化统计量在子样本上重算.
func (d *Design) SubsetRows(rows []int) (*Design, error) {
	if len(rows) == 0 {
		return nil, errorx.New(errCode.EMPTY_VALUE, "empty row subset")
	}
	gp := d.GenoP()
	codes := make([]uint8, len(rows)*gp)
	for ri, i := range rows {
		for j := 0; j < gp; j++ {
			codes[ri*gp+j] = d.g.Code(i, j)
		}
	}
	g, err := NewGenoBlock(codes, len(rows), gp)
	if err != nil {
		return nil, err
	}
	var c *mat.Dense
	if d.c != nil {
		_, cq := d.c.Dims()
		c = mat.NewDense(len(rows), cq, nil)
		for ri, i := range rows {
			for j := 0; j < cq; j++ {
				c.Set(ri, j, d.c.At(i, j))
			}
		}
	}
	return NewDesign(g, c)
}
