package grid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeOrder struct {
	id         string
	side       Side
	price      float64
	qty        float64
	reduceOnly bool
	market     bool
}

// fakeExchange 实现 Exchange，成交状态由测试手工推进。
type fakeExchange struct {
	nextID   int
	placed   []fakeOrder
	statuses map[string]OrderStatus
	canceled []string

	ref     float64
	refErr  error
	band    PriceBand
	bandErr error

	placeErr  error
	cancelErr error
	statusErr error
}

func newFakeExchange(ref float64) *fakeExchange {
	return &fakeExchange{
		ref:      ref,
		statuses: make(map[string]OrderStatus),
		band:     PriceBand{MaxBuy: 1e9, MinSell: 1e-9}, // 默认不设限
	}
}

func (f *fakeExchange) PlaceLimitOrder(_ context.Context, side Side, price, qty float64, reduceOnly bool) (string, error) {
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.nextID++
	id := fmt.Sprintf("ord-%d", f.nextID)
	f.placed = append(f.placed, fakeOrder{id: id, side: side, price: price, qty: qty, reduceOnly: reduceOnly})
	f.statuses[id] = OrderStatus{State: OrderOpen}
	return id, nil
}

func (f *fakeExchange) PlaceMarketOrder(_ context.Context, side Side, qty float64) (string, error) {
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.nextID++
	id := fmt.Sprintf("mkt-%d", f.nextID)
	f.placed = append(f.placed, fakeOrder{id: id, side: side, qty: qty, market: true})
	return id, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, orderID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeExchange) FetchOrderStatus(_ context.Context, orderID string) (OrderStatus, error) {
	if f.statusErr != nil {
		return OrderStatus{}, f.statusErr
	}
	st, ok := f.statuses[orderID]
	if !ok {
		return OrderStatus{}, fmt.Errorf("no such order %s", orderID)
	}
	return st, nil
}

func (f *fakeExchange) FetchReferencePrice(context.Context) (float64, error) {
	if f.refErr != nil {
		return 0, f.refErr
	}
	return f.ref, nil
}

func (f *fakeExchange) FetchPriceLimits(context.Context) (PriceBand, error) {
	if f.bandErr != nil {
		return PriceBand{}, f.bandErr
	}
	return f.band, nil
}

func (f *fakeExchange) RoundPrice(p float64) float64    { return p }
func (f *fakeExchange) RoundQuantity(q float64) float64 { return q }

// close 把订单标记为全部成交并完结。
func (f *fakeExchange) close(id string, filled float64) {
	f.statuses[id] = OrderStatus{Filled: filled, State: OrderClosed}
}

// limitAt 返回最近一笔挂在该价位的限价单。
func (f *fakeExchange) limitAt(price float64) (fakeOrder, bool) {
	for i := len(f.placed) - 1; i >= 0; i-- {
		if !f.placed[i].market && f.placed[i].price == price {
			return f.placed[i], true
		}
	}
	return fakeOrder{}, false
}

func identLevels(qty float64, prices ...float64) *Levels {
	ident := func(p float64) float64 { return p }
	q := make(map[float64]float64, len(prices))
	for _, p := range prices {
		q[p] = qty
	}
	return NewLevels(prices, q, ident)
}

func newTestEngine(t *testing.T, cfg Config, ex Exchange, levels *Levels) *Engine {
	t.Helper()
	dir := t.TempDir()
	if cfg.StatePath == "" {
		cfg.StatePath = filepath.Join(dir, "state.json")
	}
	if cfg.CommandsPath == "" {
		cfg.CommandsPath = filepath.Join(dir, "commands.jsonl")
	}
	e := New(cfg, ex, levels, zap.NewNop())
	e.sleep = func(time.Duration) {}
	return e
}

func appendCommands(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

func TestInitializeOnce(t *testing.T) {
	ex := newFakeExchange(105)
	e := newTestEngine(t, Config{EntryPrice: 105}, ex, identLevels(1, 100, 105, 110))
	ctx := context.Background()

	e.InitializeOnce(ctx)

	buy, ok := e.book.AtPrice(100)
	require.True(t, ok)
	assert.Equal(t, SideBuy, buy.Side)
	sell, ok := e.book.AtPrice(110)
	require.True(t, ok)
	assert.Equal(t, SideSell, sell.Side)
	assert.False(t, e.book.Has(105), "与参考价重合的层不挂单")
	assert.Equal(t, 2, e.book.Len())

	// 重复调用为空操作
	e.InitializeOnce(ctx)
	assert.Len(t, ex.placed, 2)
}

func TestInitializeOnceWithHedge(t *testing.T) {
	ex := newFakeExchange(105)
	e := newTestEngine(t, Config{EntryPrice: 105, InitialHedge: true},
		ex, identLevels(2, 100, 110, 115))
	e.InitializeOnce(context.Background())

	var markets []fakeOrder
	for _, o := range ex.placed {
		if o.market {
			markets = append(markets, o)
		}
	}
	require.Len(t, markets, 1)
	assert.Equal(t, SideBuy, markets[0].side)
	assert.Equal(t, 4.0, markets[0].qty, "对冲量等于实际挂出的卖单总量")
	assert.True(t, e.firstFillIgnore)
}

func TestFirstFillIgnoredOnceWithHedge(t *testing.T) {
	ex := newFakeExchange(105)
	e := newTestEngine(t, Config{EntryPrice: 105, InitialHedge: true},
		ex, identLevels(1, 100, 105, 110))
	ctx := context.Background()
	e.InitializeOnce(ctx)

	sell, _ := e.book.AtPrice(110)
	ex.close(sell.ID, 1)
	e.PollFills(ctx)

	// 首次完结只入账不补单
	assert.False(t, e.book.Has(105), "首次成交不应触发补单")
	assert.False(t, e.firstFillIgnore)

	buy, _ := e.book.AtPrice(100)
	ex.close(buy.ID, 1)
	e.PollFills(ctx)
	assert.True(t, e.book.Has(105), "第二次完结正常补单")
}

func TestReplenishBuyClosedSeedsSellAbove(t *testing.T) {
	ex := newFakeExchange(105)
	e := newTestEngine(t, Config{EntryPrice: 105}, ex, identLevels(1, 100, 105, 110))
	ctx := context.Background()
	e.InitializeOnce(ctx)

	buy, _ := e.book.AtPrice(100)
	ex.close(buy.ID, 1)
	e.PollFills(ctx)

	seeded, ok := e.book.AtPrice(105)
	require.True(t, ok, "买单完结后应在上方邻格补卖单")
	assert.Equal(t, SideSell, seeded.Side)
	assert.False(t, e.book.Has(100))
	assert.InDelta(t, 1.0, e.ledger.Contracts(), 1e-9)
}

func TestReplenishSellClosedSeedsBuyBelow(t *testing.T) {
	ex := newFakeExchange(105)
	e := newTestEngine(t, Config{EntryPrice: 105}, ex, identLevels(1, 100, 105, 110))
	ctx := context.Background()
	e.InitializeOnce(ctx)

	sell, _ := e.book.AtPrice(110)
	ex.close(sell.ID, 1)
	e.PollFills(ctx)

	seeded, ok := e.book.AtPrice(105)
	require.True(t, ok, "卖单完结后应在下方邻格补买单")
	assert.Equal(t, SideBuy, seeded.Side)
}

func TestReplenishSkipsOccupiedLevel(t *testing.T) {
	ex := newFakeExchange(105)
	e := newTestEngine(t, Config{EntryPrice: 105}, ex, identLevels(1, 100, 110))
	ctx := context.Background()
	e.InitializeOnce(ctx)
	placedBefore := len(ex.placed)

	// 买单完结，上方邻格 110 已有卖单，一价一单不补
	buy, _ := e.book.AtPrice(100)
	ex.close(buy.ID, 1)
	e.PollFills(ctx)

	assert.Len(t, ex.placed, placedBefore)
	assert.Equal(t, 1, e.book.Len())
}

func TestReplenishNoNeighborAtEdge(t *testing.T) {
	ex := newFakeExchange(105)
	e := newTestEngine(t, Config{EntryPrice: 105}, ex, identLevels(1, 100))
	ctx := context.Background()
	e.InitializeOnce(ctx)

	buy, _ := e.book.AtPrice(100)
	ex.close(buy.ID, 1)
	e.PollFills(ctx)

	assert.Equal(t, 0, e.book.Len(), "最高价位之上没有邻格，不补单")
	assert.Len(t, ex.placed, 1)
}

func TestPollFillsPartialIncrements(t *testing.T) {
	ex := newFakeExchange(105)
	e := newTestEngine(t, Config{EntryPrice: 105}, ex, identLevels(1, 100, 105, 110))
	ctx := context.Background()
	e.InitializeOnce(ctx)

	buy, _ := e.book.AtPrice(100)
	ex.statuses[buy.ID] = OrderStatus{Filled: 0.4, State: OrderPartiallyFilled}
	e.PollFills(ctx)
	assert.InDelta(t, 0.4, e.ledger.Contracts(), 1e-9)
	assert.True(t, e.book.Has(100), "部分成交订单仍保留在簿上")

	// 同一累计值再来一次不重复入账
	e.PollFills(ctx)
	assert.InDelta(t, 0.4, e.ledger.Contracts(), 1e-9)

	ex.close(buy.ID, 1)
	e.PollFills(ctx)
	assert.InDelta(t, 1.0, e.ledger.Contracts(), 1e-9)
	assert.True(t, e.book.Has(105), "完结后才触发补单")
}

func TestPollFillsVenueCanceled(t *testing.T) {
	ex := newFakeExchange(105)
	e := newTestEngine(t, Config{EntryPrice: 105}, ex, identLevels(1, 100, 105, 110))
	ctx := context.Background()
	e.InitializeOnce(ctx)
	placedBefore := len(ex.placed)

	buy, _ := e.book.AtPrice(100)
	ex.statuses[buy.ID] = OrderStatus{State: OrderCanceled}
	e.PollFills(ctx)

	assert.False(t, e.book.Has(100), "交易所侧已撤的订单清理本地")
	assert.Len(t, ex.placed, placedBefore, "撤单不触发补单")
	assert.Equal(t, 0.0, e.ledger.Contracts())
}

func TestPollFillsStatusErrorSkipped(t *testing.T) {
	ex := newFakeExchange(105)
	e := newTestEngine(t, Config{EntryPrice: 105}, ex, identLevels(1, 100, 105, 110))
	ctx := context.Background()
	e.InitializeOnce(ctx)

	ex.statusErr = errors.New("venue down")
	e.PollFills(ctx)
	assert.Equal(t, 2, e.book.Len(), "查询失败跳过，订单留待下一轮")
	assert.Greater(t, e.tickVenueErrors, 0)
}

func TestBandBlocksPlacement(t *testing.T) {
	ex := newFakeExchange(105)
	ex.band = PriceBand{MaxBuy: 99, MinSell: 111}
	e := newTestEngine(t, Config{EntryPrice: 105}, ex, identLevels(1, 100, 105, 110))
	e.InitializeOnce(context.Background())

	assert.Equal(t, 0, e.book.Len(), "限价带外的订单在提交前拦截")
	assert.Empty(t, ex.placed)
}

func TestCommandCancelByPriceAndAll(t *testing.T) {
	ex := newFakeExchange(105)
	e := newTestEngine(t, Config{EntryPrice: 105}, ex, identLevels(1, 100, 105, 110))
	ctx := context.Background()
	e.InitializeOnce(ctx)

	appendCommands(t, e.cfg.CommandsPath, `{"op":"cancel_by_price","price":110}`)
	e.ProcessCommands(ctx)
	assert.False(t, e.book.Has(110))
	require.Len(t, ex.canceled, 1)

	appendCommands(t, e.cfg.CommandsPath, `{"op":"cancel_all"}`)
	e.ProcessCommands(ctx)
	assert.Equal(t, 0, e.book.Len())
}

func TestCommandPlaceLimitBypassesBand(t *testing.T) {
	ex := newFakeExchange(105)
	ex.band = PriceBand{MaxBuy: 99, MinSell: 111}
	e := newTestEngine(t, Config{EntryPrice: 105}, ex, identLevels(1, 100, 105, 110))
	ctx := context.Background()

	appendCommands(t, e.cfg.CommandsPath, `{"op":"place_limit","side":"sell","price":95,"contracts":2}`)
	e.ProcessCommands(ctx)

	o, ok := ex.limitAt(95)
	require.True(t, ok, "手工下单不受限价带约束")
	assert.True(t, o.reduceOnly, "卖单缺省 reduceOnly 为 true")
	assert.Equal(t, 2.0, o.qty)

	// 同价去重仍然生效
	appendCommands(t, e.cfg.CommandsPath, `{"op":"place_limit","side":"buy","price":95,"contracts":1,"reduceOnly":false}`)
	e.ProcessCommands(ctx)
	assert.Equal(t, 1, e.book.Len())
}

func TestCommandHoldAndRestore(t *testing.T) {
	ex := newFakeExchange(105)
	e := newTestEngine(t, Config{EntryPrice: 105}, ex, identLevels(1, 100, 110))
	ctx := context.Background()
	e.InitializeOnce(ctx)

	appendCommands(t, e.cfg.CommandsPath, `{"op":"hold_level","price":100}`)
	e.ProcessCommands(ctx)
	assert.False(t, e.book.Has(100), "hold 先撤掉价位上的挂单")
	assert.True(t, e.held[100])

	// 被 hold 的价位不参与补单
	sell, _ := e.book.AtPrice(110)
	ex.close(sell.ID, 1)
	placedBefore := len(ex.placed)
	e.PollFills(ctx)
	assert.Len(t, ex.placed, placedBefore)
	assert.False(t, e.book.Has(100))

	appendCommands(t, e.cfg.CommandsPath, `{"op":"restore_level","price":100}`)
	e.ProcessCommands(ctx)
	assert.False(t, e.held[100])
	restored, ok := e.book.AtPrice(100)
	require.True(t, ok)
	assert.Equal(t, SideBuy, restored.Side, "低于参考价的恢复层挂买单")
}

func TestCommandMalformedLinesSkipped(t *testing.T) {
	ex := newFakeExchange(105)
	e := newTestEngine(t, Config{EntryPrice: 105}, ex, identLevels(1, 100, 105, 110))
	ctx := context.Background()

	appendCommands(t, e.cfg.CommandsPath,
		`not json`,
		`{"op":"up_is_down"}`,
		`{"op":"place_limit","side":"buy","price":101,"contracts":1}`)
	e.ProcessCommands(ctx)

	assert.True(t, e.book.Has(101), "坏行不影响后续合法命令")

	// 队列已被截断，再处理一轮不重复执行
	e.ProcessCommands(ctx)
	assert.Equal(t, 1, e.book.Len())
}

func TestTickWritesSnapshot(t *testing.T) {
	ex := newFakeExchange(105)
	e := newTestEngine(t, Config{Symbol: "BTC-USDT-SWAP", EntryPrice: 105},
		ex, identLevels(1, 100, 105, 110))

	calls := 0
	e.AfterTick = func() { calls++ }
	e.Tick(context.Background())
	assert.Equal(t, 1, calls)

	data, err := os.ReadFile(e.cfg.StatePath)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "BTC-USDT-SWAP", snap.Symbol)
	assert.Equal(t, 105.0, snap.CurrentPrice)
	assert.Len(t, snap.OpenOrders, 2)
	assert.Len(t, snap.EquitySeries, 1)
}

func TestTickFailStreakDrivesPenalty(t *testing.T) {
	ex := newFakeExchange(105)
	e := newTestEngine(t, Config{
		EntryPrice: 105,
		Retry:      ExponentialBackoff{Base: time.Second, Max: 8 * time.Second},
	}, ex, identLevels(1, 100, 105, 110))
	ctx := context.Background()
	e.Tick(ctx)
	assert.Equal(t, time.Duration(0), e.penalty())

	ex.refErr = errors.New("venue down")
	e.Tick(ctx)
	assert.Equal(t, time.Second, e.penalty())
	e.Tick(ctx)
	assert.Equal(t, 2*time.Second, e.penalty())

	// 恢复后退避清零
	ex.refErr = nil
	e.Tick(ctx)
	assert.Equal(t, time.Duration(0), e.penalty())
}

func TestReferencePriceFallsBackToLastKnown(t *testing.T) {
	ex := newFakeExchange(107)
	e := newTestEngine(t, Config{EntryPrice: 105}, ex, identLevels(1, 100, 105, 110))
	ctx := context.Background()

	assert.Equal(t, 107.0, e.referencePrice(ctx))
	ex.refErr = errors.New("venue down")
	assert.Equal(t, 107.0, e.referencePrice(ctx), "失败时退回最近一次成功值")
}

// 三层网格的完整循环：价格下行吃掉买单、上行吃掉卖单，
// 每一步都保持一价一单。
func TestGridCycle(t *testing.T) {
	ex := newFakeExchange(105)
	e := newTestEngine(t, Config{EntryPrice: 105, FeeRate: 0}, ex, identLevels(1, 100, 105, 110))
	ctx := context.Background()
	e.InitializeOnce(ctx)

	// 下行：买 100 成交 → 补卖 105
	buy, _ := e.book.AtPrice(100)
	ex.close(buy.ID, 1)
	e.PollFills(ctx)
	require.True(t, e.book.Has(105))

	// 上行：卖 105 成交 → 补买 100
	sell, _ := e.book.AtPrice(105)
	ex.close(sell.ID, 1)
	e.PollFills(ctx)
	require.True(t, e.book.Has(100))

	// 一个完整来回：100 买入 105 卖出，赚一格
	assert.InDelta(t, 5.0, e.ledger.Realized(), 1e-9)
	assert.InDelta(t, 0.0, e.ledger.Contracts(), 1e-9)

	// 全程一价一单：簿上应恰好是 100 买、110 卖
	assert.Equal(t, 2, e.book.Len())
	for _, o := range e.book.List() {
		got, ok := e.book.AtPrice(o.Price)
		require.True(t, ok)
		assert.Equal(t, o.ID, got.ID)
	}
}
