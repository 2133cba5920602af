// Package projectk 实现稀疏约束投影算子:
// 普通top-k、带权top-k、分组top-k(组数上限+组内预算)与并列超额裁剪.
// 全部为无状态函数, 就地修改输入向量.
package projectk

import (
	"math"
	"math/rand"
	"sort"

	"ihtreg/infra/errorx"
	"ihtreg/infra/errorx/errCode"
)

// TopK 就地保留|x|最大的k个位置, 其余清零.
// 选择用quickselect主元划分: 并列时方向任意, 但保留数严格为k.
func TopK(x []float64, k int) error {
	return TopKWeighted(x, nil, k)
}

// TopKWeighted 排序键为|xᵢ·wᵢ|, 返回值仍是未加权的系数.
// w为nil时退化为TopK; w必须为正权重.
func TopKWeighted(x, w []float64, k int) error {
	n := len(x)
	if n == 0 {
		return errorx.New(errCode.EMPTY_VALUE, "empty vector")
	}
	if k < 0 || k > n {
		return errorx.Newf(errCode.INVALID_VALUE, "budget k=%d out of [0,%d]", k, n)
	}
	if w != nil && len(w) != n {
		return errorx.New(errCode.DIM_MISMATCH, "weight length mismatch")
	}
	if k == n {
		return nil
	}
	if k == 0 {
		for i := range x {
			x[i] = 0
		}
		return nil
	}

	key := func(i int) float64 {
		if w == nil {
			return math.Abs(x[i])
		}
		return math.Abs(x[i] * w[i])
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	quickSelect(idx, key, k)

	keep := make(map[int]struct{}, k)
	for _, i := range idx[:k] {
		keep[i] = struct{}{}
	}
	for i := range x {
		if _, ok := keep[i]; !ok {
			x[i] = 0
		}
	}
	return nil
}

// quickSelect 把key最大的k个下标换到idx[:k], 无序. 三数取中主元.
func quickSelect(idx []int, key func(int) float64, k int) {
	lo, hi := 0, len(idx)-1
	for lo < hi {
		p := partition(idx, key, lo, hi)
		switch {
		case p == k-1:
			return
		case p < k-1:
			lo = p + 1
		default:
			hi = p - 1
		}
	}
}

func partition(idx []int, key func(int) float64, lo, hi int) int {
	mid := lo + (hi-lo)/2
	// 三数取中, 降序划分
	if key(idx[mid]) > key(idx[lo]) {
		idx[lo], idx[mid] = idx[mid], idx[lo]
	}
	if key(idx[hi]) > key(idx[lo]) {
		idx[lo], idx[hi] = idx[hi], idx[lo]
	}
	pivot := key(idx[lo])
	i := lo
	for j := lo + 1; j <= hi; j++ {
		if key(idx[j]) > pivot {
			i++
			idx[i], idx[j] = idx[j], idx[i]
		}
	}
	idx[lo], idx[i] = idx[i], idx[lo]
	return i
}

// GroupTopK 分组投影: 最多J个活跃组, 第g组内最多kPerGroup[g]个活跃位置.
// 两阶段算法:
//  1. 全局按|x|降序排位;
//  2. 每组只用排位中前k[g]个成员累计平方和(超出预算的成员即便先遇到也不计入);
//  3. 组按累计平方和排序, 取前J组;
//  4. 落选组、或组内超预算的位置清零.
//
// 直接按组总平方和排会高估小而多的组, 嵌套预算是必须的.
// groups为1-based稠密组号; kPerGroup长度为1时作所有组共用的标量预算.
func GroupTopK(x []float64, groups []int, J int, kPerGroup []int) error {
	n := len(x)
	if n == 0 {
		return errorx.New(errCode.EMPTY_VALUE, "empty vector")
	}
	if len(groups) != n {
		return errorx.New(errCode.DIM_MISMATCH, "group map length mismatch")
	}
	if J <= 0 {
		return errorx.Newf(errCode.INVALID_VALUE, "max active groups J=%d", J)
	}

	nGroups := 0
	for _, g := range groups {
		if g < 1 {
			return errorx.Newf(errCode.INVALID_VALUE, "group id %d, expect 1-based dense ids", g)
		}
		if g > nGroups {
			nGroups = g
		}
	}

	// 组预算: 标量广播或逐组向量
	budget := make([]int, nGroups+1)
	switch len(kPerGroup) {
	case 1:
		for g := 1; g <= nGroups; g++ {
			budget[g] = kPerGroup[0]
		}
	case nGroups:
		copy(budget[1:], kPerGroup)
	default:
		return errorx.Newf(errCode.DIM_MISMATCH, "kPerGroup长度%d, 期望1或组数%d", len(kPerGroup), nGroups)
	}
	pop := make([]int, nGroups+1)
	for _, g := range groups {
		pop[g]++
	}
	for g := 1; g <= nGroups; g++ {
		if budget[g] < 0 || budget[g] > pop[g] {
			return errorx.Newf(errCode.INVALID_VALUE, "group %d budget %d exceeds population %d", g, budget[g], pop[g])
		}
	}

	// 阶段1: 全局排位
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	sort.Slice(perm, func(a, b int) bool {
		return math.Abs(x[perm[a]]) > math.Abs(x[perm[b]])
	})

	// 阶段2: 按排位累计组内平方和, 只计前budget[g]个成员
	taken := make([]int, nGroups+1)
	groupSS := make([]float64, nGroups+1)
	within := make([]bool, n) // 该位置是否在本组预算内
	for _, i := range perm {
		g := groups[i]
		if taken[g] < budget[g] {
			groupSS[g] += x[i] * x[i]
			taken[g]++
			within[i] = true
		}
	}

	// 阶段3: 组排位, 取前J
	gperm := make([]int, nGroups)
	for g := range gperm {
		gperm[g] = g + 1
	}
	sort.Slice(gperm, func(a, b int) bool {
		return groupSS[gperm[a]] > groupSS[gperm[b]]
	})
	selected := make([]bool, nGroups+1)
	for r := 0; r < J && r < nGroups; r++ {
		if groupSS[gperm[r]] > 0 {
			selected[gperm[r]] = true
		}
	}

	// 阶段4: 清零
	for i := range x {
		if !selected[groups[i]] || !within[i] {
			x[i] = 0
		}
	}
	return nil
}

// TrimExcess 浮点并列可能导致投影后活跃数超出预期,
// 随机丢弃多余活跃位置直到恰好want个: 先从宽块([0,pSplit))丢, 再丢窄块.
// rng由调用方注入, 保证测试可复现.
func TrimExcess(x []float64, want, pSplit int, rng *rand.Rand) {
	var wide, narrow []int
	for i, v := range x {
		if v == 0 {
			continue
		}
		if i < pSplit {
			wide = append(wide, i)
		} else {
			narrow = append(narrow, i)
		}
	}
	excess := len(wide) + len(narrow) - want
	for excess > 0 && len(wide) > 0 {
		j := rng.Intn(len(wide))
		x[wide[j]] = 0
		wide[j] = wide[len(wide)-1]
		wide = wide[:len(wide)-1]
		excess--
	}
	for excess > 0 && len(narrow) > 0 {
		j := rng.Intn(len(narrow))
		x[narrow[j]] = 0
		narrow[j] = narrow[len(narrow)-1]
		narrow = narrow[:len(narrow)-1]
		excess--
	}
}

// Support 非零下标(升序)
func Support(x []float64) []int {
	var s []int
	for i, v := range x {
		if v != 0 {
			s = append(s, i)
		}
	}
	return s
}
