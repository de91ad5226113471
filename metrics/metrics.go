// Package metrics 提供网格机器人的 Prometheus 指标。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set 指标集合，独立 registry，便于测试中多实例并存。
type Set struct {
	registry *prometheus.Registry

	ordersPlaced      prometheus.Counter
	ordersCanceled    prometheus.Counter
	fills             prometheus.Counter
	filledContracts   prometheus.Counter
	bandRejects       prometheus.Counter
	duplicateSkips    prometheus.Counter
	venueErrors       *prometheus.CounterVec
	commandsProcessed *prometheus.CounterVec
	malformedCommands prometheus.Counter
	snapshotFailures  prometheus.Counter

	currentPrice  prometheus.Gauge
	openBuys      prometheus.Gauge
	openSells     prometheus.Gauge
	inventory     prometheus.Gauge
	avgCost       prometheus.Gauge
	realizedPnL   prometheus.Gauge
	unrealizedPnL prometheus.Gauge
	equity        prometheus.Gauge
}

// New 创建指标集合。namespace 一般用 "gridbot"。
func New(namespace string) *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Set{
		registry: reg,

		ordersPlaced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_placed_total", Help: "挂单总数",
		}),
		ordersCanceled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_canceled_total", Help: "撤单总数",
		}),
		fills: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fills_total", Help: "成交增量入账次数",
		}),
		filledContracts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "filled_contracts_total", Help: "累计成交合约数",
		}),
		bandRejects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "band_rejects_total", Help: "限价带拦截的订单数",
		}),
		duplicateSkips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicate_skips_total", Help: "同价位去重跳过的订单数",
		}),
		venueErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "venue_errors_total", Help: "交易所调用失败数",
		}, []string{"action"}),
		commandsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_processed_total", Help: "处理的外部命令数",
		}, []string{"op"}),
		malformedCommands: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_malformed_total", Help: "跳过的坏命令行数",
		}),
		snapshotFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshot_failures_total", Help: "状态快照写入失败数",
		}),

		currentPrice: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "current_price", Help: "当前参考价",
		}),
		openBuys: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_buy_orders", Help: "活跃买单数",
		}),
		openSells: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_sell_orders", Help: "活跃卖单数",
		}),
		inventory: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "inventory_contracts", Help: "当前持仓合约数",
		}),
		avgCost: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "inventory_avg_cost", Help: "持仓加权平均成本",
		}),
		realizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "realized_pnl", Help: "已实现盈亏",
		}),
		unrealizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "unrealized_pnl", Help: "未实现盈亏",
		}),
		equity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "equity", Help: "权益 = 已实现 + 未实现",
		}),
	}
}

func (s *Set) RecordOrderPlaced()             { s.ordersPlaced.Inc() }
func (s *Set) RecordOrderCanceled()           { s.ordersCanceled.Inc() }
func (s *Set) RecordBandReject()              { s.bandRejects.Inc() }
func (s *Set) RecordDuplicateSkip()           { s.duplicateSkips.Inc() }
func (s *Set) RecordVenueError(action string) { s.venueErrors.WithLabelValues(action).Inc() }
func (s *Set) RecordCommand(op string)        { s.commandsProcessed.WithLabelValues(op).Inc() }
func (s *Set) RecordMalformedCommands(n int) {
	s.malformedCommands.Add(float64(n))
}
func (s *Set) RecordSnapshotFailure() { s.snapshotFailures.Inc() }

func (s *Set) RecordFill(contracts float64) {
	s.fills.Inc()
	s.filledContracts.Add(contracts)
}

// UpdateTick 每轮快照后刷新的状态类指标。
func (s *Set) UpdateTick(price float64, openBuys, openSells int, inventory, avgCost, realized, unrealized float64) {
	s.currentPrice.Set(price)
	s.openBuys.Set(float64(openBuys))
	s.openSells.Set(float64(openSells))
	s.inventory.Set(inventory)
	s.avgCost.Set(avgCost)
	s.realizedPnL.Set(realized)
	s.unrealizedPnL.Set(unrealized)
	s.equity.Set(realized + unrealized)
}

// Handler 返回暴露指标的 HTTP handler。
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Serve 在 addr 上启动指标服务。addr 为空则不启动。
func Serve(addr string, s *Set) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}
