package grid

import "sort"

// Levels 持有排序去重后的网格价位表及每格合约数量。
// 价位在构造时经过精度对齐，构造后不可变。
type Levels struct {
	prices []float64
	qty    map[float64]float64
}

// BuildLevels 在 [lower, upper] 区间内等距生成 count 个价位并做精度对齐。
// 精度对齐可能让相邻价位坍缩到同一值，重复值被去除。
func BuildLevels(lower, upper float64, count int, snap func(float64) float64) []float64 {
	if count <= 1 {
		return dedupeSorted([]float64{snap(lower), snap(upper)})
	}
	step := (upper - lower) / float64(count-1)
	prices := make([]float64, 0, count)
	for i := 0; i < count; i++ {
		prices = append(prices, snap(lower+float64(i)*step))
	}
	return dedupeSorted(prices)
}

// NewLevels 构造价位表。qty 的键会经过 snap 与 prices 对齐。
func NewLevels(prices []float64, qty map[float64]float64, snap func(float64) float64) *Levels {
	snapped := make([]float64, 0, len(prices))
	for _, p := range prices {
		snapped = append(snapped, snap(p))
	}
	snapped = dedupeSorted(snapped)
	q := make(map[float64]float64, len(qty))
	for p, v := range qty {
		q[snap(p)] = v
	}
	return &Levels{prices: snapped, qty: q}
}

// NeighborAbove 返回严格大于 p 的最近价位。
func (l *Levels) NeighborAbove(p float64) (float64, bool) {
	i := sort.SearchFloat64s(l.prices, p)
	for i < len(l.prices) && l.prices[i] <= p {
		i++
	}
	if i >= len(l.prices) {
		return 0, false
	}
	return l.prices[i], true
}

// NeighborBelow 返回严格小于 p 的最近价位。
func (l *Levels) NeighborBelow(p float64) (float64, bool) {
	i := sort.SearchFloat64s(l.prices, p)
	if i == 0 {
		return 0, false
	}
	return l.prices[i-1], true
}

// QtyFor 返回价位的配置合约数量，未配置时为 0。
func (l *Levels) QtyFor(p float64) float64 {
	return l.qty[p]
}

// Contains 判断 p 是否为配置价位。
func (l *Levels) Contains(p float64) bool {
	i := sort.SearchFloat64s(l.prices, p)
	return i < len(l.prices) && l.prices[i] == p
}

// Prices 返回全部价位（升序拷贝）。
func (l *Levels) Prices() []float64 {
	out := make([]float64, len(l.prices))
	copy(out, l.prices)
	return out
}

// Quantities 返回价位到数量的拷贝。
func (l *Levels) Quantities() map[float64]float64 {
	out := make(map[float64]float64, len(l.qty))
	for p, q := range l.qty {
		out[p] = q
	}
	return out
}

func dedupeSorted(prices []float64) []float64 {
	sort.Float64s(prices)
	out := prices[:0]
	for i, p := range prices {
		if i == 0 || p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}
