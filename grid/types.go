package grid

import (
	"context"
	"errors"
	"time"
)

// Side 订单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite 返回对侧方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderState 交易所侧订单生命周期状态。
type OrderState string

const (
	OrderOpen            OrderState = "open"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderClosed          OrderState = "closed"
	OrderCanceled        OrderState = "canceled"
)

// OrderStatus 轮询交易所得到的订单快照。Filled 为累计成交合约数。
type OrderStatus struct {
	Filled float64
	State  OrderState
}

// PriceBand 交易所限价带：买单不得高于 MaxBuy，卖单不得低于 MinSell。
type PriceBand struct {
	MaxBuy  float64 `json:"max_buy"`
	MinSell float64 `json:"min_sell"`
}

// Allows 判断给定方向/价格的订单是否在限价带内。
func (b PriceBand) Allows(side Side, price float64) bool {
	if side == SideBuy && b.MaxBuy > 0 && price > b.MaxBuy {
		return false
	}
	if side == SideSell && b.MinSell > 0 && price < b.MinSell {
		return false
	}
	return true
}

// TradeRecord 单笔成交增量的不可变记录。
type TradeRecord struct {
	TS        time.Time `json:"ts"`
	Side      Side      `json:"side"`
	Price     float64   `json:"price"`
	Contracts float64   `json:"contracts"`
}

// EquitySample 每轮 tick 记录一次的权益采样。
type EquitySample struct {
	TS         time.Time `json:"ts"`
	Equity     float64   `json:"equity"`
	Realized   float64   `json:"realized"`
	Unrealized float64   `json:"unrealized"`
}

// Exchange 引擎依赖的交易所能力接口，由 gateway 的 OKX 客户端实现，
// 测试中用假实现替代。所有网络调用由实现方自带超时。
type Exchange interface {
	PlaceLimitOrder(ctx context.Context, side Side, price, qty float64, reduceOnly bool) (orderID string, err error)
	PlaceMarketOrder(ctx context.Context, side Side, qty float64) (orderID string, err error)
	CancelOrder(ctx context.Context, orderID string) error
	FetchOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	FetchReferencePrice(ctx context.Context) (float64, error)
	FetchPriceLimits(ctx context.Context) (PriceBand, error)
	RoundPrice(p float64) float64
	RoundQuantity(q float64) float64
}

var (
	// ErrDuplicatePrice 同一价位已存在活跃订单。
	ErrDuplicatePrice = errors.New("open order already exists at price")
	// ErrUnknownOrder 本地订单簿中不存在该订单。
	ErrUnknownOrder = errors.New("unknown order")
)
