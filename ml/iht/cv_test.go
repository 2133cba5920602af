package iht

import (
	"math"
	"testing"

	"ihtreg/ml/glmfam"
)

// 路径1..20, 3折: 真稀疏度k=10必须被选中(谱系见端到端模拟)
func TestCrossValidateSelectsTrueSparsity(t *testing.T) {
	if testing.Short() {
		t.Skip("full-size cv grid, skipped in -short")
	}
	n, p, kTrue := 1000, 10000, 10
	d, y, _ := simGaussian(2024, n, p, kTrue, 1.0)
	fam, _ := glmfam.New(glmfam.Gaussian, glmfam.IdentityLink)

	path := make([]int, 20)
	for i := range path {
		path[i] = i + 1
	}
	opt := DefaultOptions()
	opt.Seed = 99
	opt.Parallel = true

	res, err := CrossValidate(d, y, fam, path, 3, opt)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("mean deviance curve: %v", res.MeanDev)
	if res.BestK != kTrue {
		t.Fatalf("bestK=%d want %d", res.BestK, kTrue)
	}
}

// 小规模冒烟: 误差曲线完整且在真稀疏度附近最优
func TestCrossValidateSmall(t *testing.T) {
	n, p, kTrue := 400, 300, 5
	d, y, _ := simGaussian(11, n, p, kTrue, 0.8)
	fam, _ := glmfam.New(glmfam.Gaussian, glmfam.IdentityLink)

	path := []int{1, 3, 5, 8, 12}
	opt := DefaultOptions()
	opt.Seed = 5
	opt.RefitBest = true

	res, err := CrossValidate(d, y, fam, path, 3, opt)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.MeanDev) != len(path) || len(res.SDDev) != len(path) {
		t.Fatalf("incomplete error curve: %d levels", len(res.MeanDev))
	}
	for i, v := range res.MeanDev {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("non-finite mean deviance at level %d", path[i])
		}
	}
	if res.BestK != kTrue {
		t.Fatalf("bestK=%d want %d (curve %v)", res.BestK, kTrue, res.MeanDev)
	}
	if res.Refit == nil || res.Refit.K != kTrue {
		t.Fatal("refit at best level missing")
	}
	// 欠拟合端必须明显差于真稀疏度
	if res.MeanDev[0] <= res.MeanDev[2] {
		t.Fatalf("k=1 deviance %.4f should exceed k=5 deviance %.4f", res.MeanDev[0], res.MeanDev[2])
	}
}

func TestCrossValidateSerialMatchesParallel(t *testing.T) {
	n, p, kTrue := 200, 120, 3
	d, y, _ := simGaussian(19, n, p, kTrue, 0.8)
	fam, _ := glmfam.New(glmfam.Gaussian, glmfam.IdentityLink)
	path := []int{1, 3, 6}

	optA := DefaultOptions()
	optA.Seed = 3
	optA.Parallel = true
	a, err := CrossValidate(d, y, fam, path, 4, optA)
	if err != nil {
		t.Fatal(err)
	}

	optB := DefaultOptions()
	optB.Seed = 3
	optB.Parallel = false
	b, err := CrossValidate(d, y, fam, path, 4, optB)
	if err != nil {
		t.Fatal(err)
	}

	// 单元彼此独立, 并行与串行的误差曲线必须逐位一致
	for i := range path {
		if math.Abs(a.MeanDev[i]-b.MeanDev[i]) > 1e-12 {
			t.Fatalf("level %d: parallel %.12f != serial %.12f", path[i], a.MeanDev[i], b.MeanDev[i])
		}
	}
}

func TestCrossValidateSuppliedFolds(t *testing.T) {
	n, p := 120, 60
	d, y, _ := simGaussian(23, n, p, 3, 0.8)
	fam, _ := glmfam.New(glmfam.Gaussian, glmfam.IdentityLink)

	fold := make([]int, n)
	for i := range fold {
		fold[i] = i%3 + 1
	}
	opt := DefaultOptions()
	opt.FoldID = fold
	if _, err := CrossValidate(d, y, fam, []int{2, 3}, 3, opt); err != nil {
		t.Fatal(err)
	}

	// 折编号越界
	bad := DefaultOptions()
	badFold := make([]int, n)
	for i := range badFold {
		badFold[i] = 4
	}
	bad.FoldID = badFold
	if _, err := CrossValidate(d, y, fam, []int{2}, 3, bad); err == nil {
		t.Fatal("out-of-range fold ids should fail")
	}

	// 有折没有样本
	empty := DefaultOptions()
	emptyFold := make([]int, n)
	for i := range emptyFold {
		emptyFold[i] = 1 + i%2 // 只用折1,2, 折3为空
	}
	empty.FoldID = emptyFold
	if _, err := CrossValidate(d, y, fam, []int{2}, 3, empty); err == nil {
		t.Fatal("empty fold should fail")
	}
}

func TestCrossValidateValidation(t *testing.T) {
	d, y, _ := simGaussian(29, 60, 30, 2, 1.0)
	fam, _ := glmfam.New(glmfam.Gaussian, glmfam.IdentityLink)

	if _, err := CrossValidate(d, y, fam, nil, 3, DefaultOptions()); err == nil {
		t.Fatal("empty path should fail")
	}
	if _, err := CrossValidate(d, y, fam, []int{0}, 3, DefaultOptions()); err == nil {
		t.Fatal("zero sparsity level should fail")
	}
	if _, err := CrossValidate(d, y, fam, []int{2}, 1, DefaultOptions()); err == nil {
		t.Fatal("q=1 should fail")
	}
}

// 单个(折,稀疏度)单元失败必须让整次CV失败, 不得做部分平均
func TestCrossValidateUnitFailurePropagates(t *testing.T) {
	d, y, _ := simGaussian(37, 90, 40, 2, 1.0)
	y[10] = math.NaN()
	fam, _ := glmfam.New(glmfam.Gaussian, glmfam.IdentityLink)

	if _, err := CrossValidate(d, y, fam, []int{2, 4}, 3, DefaultOptions()); err == nil {
		t.Fatal("poisoned unit must fail the whole cv")
	}
}
