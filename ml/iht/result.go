package iht

import (
	"time"

	"gonum.org/v1/gonum/mat"
)

// Result 单次IHT拟合结果
type Result struct {
	Time      time.Duration
	LogLik    float64
	Iter      int
	Beta      []float64 // 基因型块系数
	CovarBeta []float64 // 协变量块系数, 无协变量时为nil
	Phi       float64   // 高斯σ² / 负二项r; 单参数族恒为1
	K         int       // 请求的稀疏预算
	Converged bool      // false表示迭代预算耗尽, 返回的是最优迭代点
}

// ResultMV 多变量高斯拟合结果
type ResultMV struct {
	Time      time.Duration
	LogLik    float64
	Iter      int
	B         *mat.Dense    // t×p 系数矩阵
	Gamma     *mat.SymDense // 估计的误差精度矩阵 Γ
	K         int
	Converged bool
}

// CVResult 交叉验证结果: 完整误差曲线 + 选中的稀疏度
type CVResult struct {
	Path    []int
	MeanDev []float64 // 各稀疏度的折均held-out偏差
	SDDev   []float64 // 折间标准差
	BestK   int
	Refit   *Result // RefitBest时在全量数据上以BestK重训
}
