package iht

import (
	"math/rand"
	"runtime"
	"sync"

	"github.com/gonum/stat"

	"ihtreg/infra/errorx"
	"ihtreg/infra/errorx/errCode"
	"ihtreg/ml/glmfam"
	"ihtreg/ml/snpdesign"
)

// 交叉验证: 折×稀疏度网格逐单元独立训练, 聚合held-out偏差选最优k.
// 每个单元持有自己的全部可变状态, 设计矩阵与响应只读共享;
// 聚合必须等全部单元join后进行, 任一单元失败则整个CV失败(不做部分平均).

type cvUnit struct {
	fold int // 1-based
	pi   int // path下标
}

// CrossValidate path为候选稀疏度序列, q为折数.
// opt.FoldID非nil时使用外部划分, 否则按Seed随机划分(不相交且覆盖全样本).
func CrossValidate(d *snpdesign.Design, y []float64, fam *glmfam.Family, path []int, q int, opt *Options) (*CVResult, error) {
	if opt == nil {
		opt = CurrentOptions()
	}
	if d == nil || fam == nil {
		return nil, errorx.New(errCode.EMPTY_VALUE, "design/family is nil")
	}
	n, _ := d.Dims()
	if len(y) != n {
		return nil, errorx.Newf(errCode.DIM_MISMATCH, "响应长度%d != 样本数%d", len(y), n)
	}
	if len(path) == 0 {
		return nil, errorx.New(errCode.EMPTY_VALUE, "empty sparsity path")
	}
	for _, k := range path {
		if k < 1 {
			return nil, errorx.Newf(errCode.INVALID_VALUE, "sparsity level %d in path", k)
		}
	}
	if q < 2 || q > n {
		return nil, errorx.Newf(errCode.INVALID_VALUE, "folds q=%d out of [2,%d]", q, n)
	}

	foldID, err := foldAssignment(n, q, opt)
	if err != nil {
		return nil, err
	}

	// 预先按折切好train/test行集, 各单元只读
	trainRows := make([][]int, q+1)
	testRows := make([][]int, q+1)
	for i := 0; i < n; i++ {
		f := foldID[i]
		trainRowsOthers(trainRows, testRows, f, i, q)
	}

	units := make([]cvUnit, 0, q*len(path))
	for f := 1; f <= q; f++ {
		for pi := range path {
			units = append(units, cvUnit{fold: f, pi: pi})
		}
	}

	// dev[pi][fold-1] = held-out平均偏差
	dev := make([][]float64, len(path))
	for pi := range dev {
		dev[pi] = make([]float64, q)
	}
	errs := make([]error, len(units))

	numWorkers := runtime.NumCPU()
	if !opt.Parallel {
		numWorkers = 1
	}
	tasks := make(chan int, len(units))
	wg := sync.WaitGroup{}

	worker := func() {
		defer wg.Done()
		for ui := range tasks {
			u := units[ui]
			e := runUnit(d, y, fam, path[u.pi], trainRows[u.fold], testRows[u.fold], opt, &dev[u.pi][u.fold-1])
			errs[ui] = e
		}
	}

	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go worker()
	}
	for ui := range units {
		tasks <- ui
	}
	close(tasks)
	wg.Wait() // 完整barrier: 误差曲线必须完整才有意义

	for ui, e := range errs {
		if e != nil {
			return nil, errorx.Newf(errCode.NUMERIC_ERROR,
				"cv unit (fold=%d, k=%d) failed: %v", units[ui].fold, path[units[ui].pi], e)
		}
	}

	res := &CVResult{
		Path:    append([]int(nil), path...),
		MeanDev: make([]float64, len(path)),
		SDDev:   make([]float64, len(path)),
	}
	for pi := range path {
		res.MeanDev[pi] = stat.Mean(dev[pi], nil)
		res.SDDev[pi] = stat.StdDev(dev[pi], nil)
	}

	// 最小均值偏差; 并列取更小的k
	best := 0
	for pi := 1; pi < len(path); pi++ {
		better := res.MeanDev[pi] < res.MeanDev[best]
		tie := res.MeanDev[pi] == res.MeanDev[best] && path[pi] < path[best]
		if better || tie {
			best = pi
		}
	}
	res.BestK = path[best]

	if opt.RefitBest {
		refit, err := Fit(d, y, fam, res.BestK, opt)
		if err != nil {
			return nil, err
		}
		res.Refit = refit
	}
	return res, nil
}

// foldAssignment 外部划分校验, 或随机划分(打乱后轮转发牌, 折大小差≤1)
func foldAssignment(n, q int, opt *Options) ([]int, error) {
	if opt.FoldID != nil {
		if len(opt.FoldID) != n {
			return nil, errorx.New(errCode.DIM_MISMATCH, "fold assignment length mismatch")
		}
		seen := make([]bool, q+1)
		for _, f := range opt.FoldID {
			if f < 1 || f > q {
				return nil, errorx.Newf(errCode.INVALID_VALUE, "fold id %d out of [1,%d]", f, q)
			}
			seen[f] = true
		}
		for f := 1; f <= q; f++ {
			if !seen[f] {
				return nil, errorx.Newf(errCode.INVALID_VALUE, "fold %d has no samples", f)
			}
		}
		return opt.FoldID, nil
	}

	rng := rand.New(rand.NewSource(opt.Seed))
	foldID := make([]int, n)
	for i, pos := range rng.Perm(n) {
		foldID[pos] = i%q + 1
	}
	return foldID, nil
}

func trainRowsOthers(trainRows, testRows [][]int, f, i, q int) {
	testRows[f] = append(testRows[f], i)
	for g := 1; g <= q; g++ {
		if g != f {
			trainRows[g] = append(trainRows[g], i)
		}
	}
}

// runUnit 训练held-in补集, 在held-out折上算平均偏差
func runUnit(d *snpdesign.Design, y []float64, fam *glmfam.Family, k int, train, test []int, opt *Options, out *float64) error {
	sub, err := d.SubsetRows(train)
	if err != nil {
		return err
	}
	ySub := make([]float64, len(train))
	for ri, i := range train {
		ySub[ri] = y[i]
	}

	// 各单元禁用内层并行, 外层网格已占满线程
	o := *opt
	o.Parallel = false
	res, err := Fit(sub, ySub, fam, k, &o)
	if err != nil {
		return err
	}

	beta := append([]float64(nil), res.Beta...)
	beta = append(beta, res.CovarBeta...)
	eta := heldOutEta(d, sub, test, beta)

	devSum := 0.0
	for ti, i := range test {
		mu := fam.Mean(eta[ti])
		devSum += fam.DevResid(y[i], mu)
	}
	*out = devSum / float64(len(test))
	return nil
}

// heldOutEta 对held-out样本计算η, 基因型列用训练折的标准化统计量
// (测试折的原始编码 + 训练折的μ/σ), 协变量默认已全局标准化直接取值
func heldOutEta(full, train *snpdesign.Design, test []int, beta []float64) []float64 {
	gp := full.GenoP()
	tg := train.Geno()
	eta := make([]float64, len(test))
	for j, b := range beta {
		if b == 0 {
			continue
		}
		if j < gp {
			mean, invStd := tg.MeanInvStd(j)
			for ti, i := range test {
				c := full.Geno().Code(i, j)
				if c != snpdesign.CodeMissing {
					eta[ti] += b * (float64(c) - mean) * invStd
				}
			}
		} else {
			cov := full.Covars()
			for ti, i := range test {
				eta[ti] += b * cov.At(i, j-gp)
			}
		}
	}
	return eta
}
