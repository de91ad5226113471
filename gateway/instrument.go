package gateway

import (
	"math"
	"strconv"
	"strings"
)

// Instrument 合约精度元数据，来自 /public/instruments。
type Instrument struct {
	TickSize     float64 // 最小价格步长
	LotSize      float64 // 最小数量步长
	ContractSize float64 // 单张合约面值（ctVal）
}

// SnapPrice 价格对齐到最近的 tick。
func (i Instrument) SnapPrice(p float64) float64 {
	return snapStep(p, i.TickSize, false)
}

// SnapQuantity 数量向下对齐到 lot，宁可少挂不可超挂。
func (i Instrument) SnapQuantity(q float64) float64 {
	return snapStep(q, i.LotSize, true)
}

// snapStep 把 value 对齐到 step 的整数倍，并按 step 的十进制位数收掉
// 二进制浮点噪声。down 为 true 时向下取整。
func snapStep(value, step float64, down bool) float64 {
	if step <= 0 {
		return value
	}
	n := value / step
	if down {
		n = math.Floor(n + 1e-9)
	} else {
		n = math.Round(n)
	}
	return roundToDecimals(n*step, stepDecimals(step))
}

func stepDecimals(step float64) int {
	s := strconv.FormatFloat(step, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

func roundToDecimals(v float64, d int) float64 {
	pow := math.Pow(10, float64(d))
	return math.Round(v*pow) / pow
}

// formatFloat OKX API 的数值字段一律传最短十进制字符串。
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
