package iht

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"ihtreg/infra/errorx"
	"ihtreg/infra/errorx/errCode"
)

// Options 单次fit与交叉验证的全部可调参数.
// 数值默认值跟随GLM引擎: MaxIter=200, MaxBacktrack=3, Tol=1e-4.
type Options struct {
	MaxIter      int     `yaml:"maxiter"`
	MaxBacktrack int     `yaml:"maxbacktrack"`
	Tol          float64 `yaml:"tol"`
	Debias       bool    `yaml:"debias"`
	Parallel     bool    `yaml:"parallel"`
	Seed         int64   `yaml:"seed"`

	// 先验权重, 正向量; 排序用加权幅值, 返回仍是未加权系数
	Weights []float64 `yaml:"-"`
	// 分组投影: 1-based组号 + 活跃组数上限 + 组内预算(标量或逐组)
	Groups    []int `yaml:"-"`
	MaxGroups int   `yaml:"maxgroups"`
	GroupK    []int `yaml:"-"`

	// 交叉验证: 外部提供的折编号([1,q]), 为nil时随机划分
	FoldID    []int `yaml:"-"`
	RefitBest bool  `yaml:"refitbest"`
}

func DefaultOptions() *Options {
	return &Options{
		MaxIter:      200,
		MaxBacktrack: 3,
		Tol:          1e-4,
		Parallel:     true,
	}
}

// 用 atomic.Value 存默认配置, 支持热更新时无锁读取
var optValue atomic.Value // stores *Options

// LoadOptions 从yaml读取默认参数
func LoadOptions(path string) (*Options, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read yaml: %w", err)
	}
	o := DefaultOptions()
	if err := yaml.Unmarshal(b, o); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func InitOptions(path string) error {
	o, err := LoadOptions(path)
	if err != nil {
		return err
	}
	optValue.Store(o)
	return nil
}

// CurrentOptions 取当前默认配置; 未Init时返回内置默认值
func CurrentOptions() *Options {
	oAny := optValue.Load()
	if oAny == nil {
		return DefaultOptions()
	}
	return oAny.(*Options)
}

func (o *Options) validate() error {
	if o.MaxIter <= 0 {
		return errorx.Newf(errCode.INVALID_VALUE, "maxiter=%d", o.MaxIter)
	}
	if o.MaxBacktrack <= 0 {
		return errorx.Newf(errCode.INVALID_VALUE, "maxbacktrack=%d", o.MaxBacktrack)
	}
	if o.Tol <= 0 {
		return errorx.Newf(errCode.INVALID_VALUE, "tol=%g must be positive", o.Tol)
	}
	for _, w := range o.Weights {
		if w <= 0 {
			return errorx.New(errCode.INVALID_VALUE, "prior weights must be positive")
		}
	}
	if o.Groups != nil && o.MaxGroups <= 0 {
		return errorx.New(errCode.INVALID_VALUE, "grouped projection needs maxgroups >= 1")
	}
	return nil
}
