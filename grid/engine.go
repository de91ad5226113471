package grid

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Easonluoyuchen/OKX-Grid-Trading-Bot/metrics"
)

// Config 引擎参数。零值字段在 New 中取默认。
type Config struct {
	Symbol       string
	EntryPrice   float64 // 参考价不可得时的兜底
	ContractSize float64
	FeeRate      float64

	StatePath    string
	CommandsPath string

	PlaceDelay   time.Duration // 每次下单后的节流等待
	TickInterval time.Duration
	BandTTL      time.Duration

	// InitialHedge 启动时按上方卖单总量市价买入一笔，同时武装
	// 一次性的首次成交忽略。
	InitialHedge bool

	HeartbeatEvery int

	TradeLogCap    int
	EquityLogCap   int
	SnapshotTrades int // 快照携带的最近成交条数
	SnapshotEquity int // 快照携带的最近权益采样条数

	// Retry 决定交易所连续出错后额外的退避等待，默认 NoRetry。
	Retry RetryPolicy
}

// Engine 网格执行引擎：一次性挂满阶梯，轮询成交并按邻格规则补单，
// FIFO 记账，处理外部命令并原子落盘状态。整个生命周期由单一 goroutine
// 驱动，组件之间不共享可变状态给外界。
type Engine struct {
	cfg    Config
	ex     Exchange
	levels *Levels
	book   *Book
	ledger *Ledger
	band   *BandGuard
	queue  *CommandQueue
	trades *Ring[TradeRecord]
	equity *Ring[EquitySample]
	held   map[float64]bool
	log    *zap.Logger
	met    *metrics.Set

	initialized     bool
	firstFillIgnore bool
	lastPrice       float64
	failStreak      int // 连续出现交易所错误的 tick 数
	tickVenueErrors int

	// AfterTick 每轮 tick 收尾时在引擎 goroutine 上调用，
	// 用于 watchdog 保活和配置热更新的应用点。
	AfterTick func()

	now   func() time.Time
	sleep func(time.Duration)
}

// New 构造引擎。levels 与 ex 必须非空，logger 为 nil 时静默。
func New(cfg Config, ex Exchange, levels *Levels, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContractSize <= 0 {
		cfg.ContractSize = 1
	}
	if cfg.PlaceDelay <= 0 {
		cfg.PlaceDelay = 500 * time.Millisecond
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	if cfg.BandTTL <= 0 {
		cfg.BandTTL = 8 * time.Second
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 20
	}
	if cfg.TradeLogCap <= 0 {
		cfg.TradeLogCap = 5000
	}
	if cfg.EquityLogCap <= 0 {
		cfg.EquityLogCap = 5000
	}
	if cfg.SnapshotTrades <= 0 {
		cfg.SnapshotTrades = 300
	}
	if cfg.SnapshotEquity <= 0 {
		cfg.SnapshotEquity = 2000
	}
	if cfg.StatePath == "" {
		cfg.StatePath = "grid_state.json"
	}
	if cfg.CommandsPath == "" {
		cfg.CommandsPath = "grid_commands.jsonl"
	}
	if cfg.Retry == nil {
		cfg.Retry = NoRetry{}
	}

	return &Engine{
		cfg:             cfg,
		ex:              ex,
		levels:          levels,
		book:            NewBook(),
		ledger:          NewLedger(cfg.ContractSize, cfg.FeeRate),
		band:            NewBandGuard(ex, cfg.BandTTL, logger),
		queue:           NewCommandQueue(cfg.CommandsPath),
		trades:          NewRing[TradeRecord](cfg.TradeLogCap),
		equity:          NewRing[EquitySample](cfg.EquityLogCap),
		held:            make(map[float64]bool),
		log:             logger,
		firstFillIgnore: cfg.InitialHedge,
		lastPrice:       cfg.EntryPrice,
		now:             time.Now,
		sleep:           time.Sleep,
	}
}

// SetMetrics 注入指标集合，nil 表示不上报。
func (e *Engine) SetMetrics(m *metrics.Set) { e.met = m }

// SetTickInterval 供配置热更新使用，只能在引擎 goroutine 上调用。
func (e *Engine) SetTickInterval(d time.Duration) {
	if d > 0 {
		e.cfg.TickInterval = d
	}
}

// SetBandTTL 供配置热更新使用，只能在引擎 goroutine 上调用。
func (e *Engine) SetBandTTL(d time.Duration) {
	if d > 0 {
		e.cfg.BandTTL = d
		e.band.SetTTL(d)
	}
}

// referencePrice 拉取参考价并缓存；失败时退回最近一次成功值。
func (e *Engine) referencePrice(ctx context.Context) float64 {
	p, err := e.ex.FetchReferencePrice(ctx)
	if err != nil || p <= 0 {
		e.noteVenueError("ticker")
		e.log.Warn("reference price unavailable, using last known",
			zap.Error(err), zap.Float64("last", e.lastPrice))
		return e.lastPrice
	}
	e.lastPrice = e.ex.RoundPrice(p)
	return e.lastPrice
}

func (e *Engine) noteVenueError(action string) {
	e.tickVenueErrors++
	if e.met != nil {
		e.met.RecordVenueError(action)
	}
}

// safePlace 对齐精度、同价去重、限价带校验后下限价单。
// 任何一步不通过都只记录原因，不向上传播错误。
func (e *Engine) safePlace(ctx context.Context, side Side, price, qty float64) bool {
	price = e.ex.RoundPrice(price)
	qty = e.ex.RoundQuantity(qty)
	if e.book.Has(price) {
		e.log.Debug("skip place: price already has open order",
			zap.String("side", string(side)), zap.Float64("price", price))
		if e.met != nil {
			e.met.RecordDuplicateSkip()
		}
		return false
	}
	band := e.band.Current(ctx, e.lastPrice)
	if !band.Allows(side, price) {
		e.log.Info("skip place: outside price band",
			zap.String("side", string(side)), zap.Float64("price", price),
			zap.Float64("max_buy", band.MaxBuy), zap.Float64("min_sell", band.MinSell))
		if e.met != nil {
			e.met.RecordBandReject()
		}
		return false
	}
	id, err := e.ex.PlaceLimitOrder(ctx, side, price, qty, false)
	if err != nil {
		e.noteVenueError("place")
		e.log.Warn("place failed",
			zap.String("side", string(side)), zap.Float64("price", price), zap.Error(err))
		e.sleep(e.cfg.PlaceDelay)
		return false
	}
	_ = e.book.Track(OpenOrder{ID: id, Side: side, Price: price})
	if e.met != nil {
		e.met.RecordOrderPlaced()
	}
	e.log.Info("order placed",
		zap.String("side", string(side)), zap.Float64("price", price),
		zap.Float64("qty", qty), zap.String("order_id", id))
	e.sleep(e.cfg.PlaceDelay)
	return true
}

// cancelByPrice 撤掉价位上的挂单。交易所撤单失败只记日志，本地状态照常
// 清除；交易所侧若有残留以交易所为准，下一轮成交会照常入账。
func (e *Engine) cancelByPrice(ctx context.Context, price float64) bool {
	o, ok := e.book.RemoveByPrice(e.ex.RoundPrice(price))
	if !ok {
		return false
	}
	if err := e.ex.CancelOrder(ctx, o.ID); err != nil {
		e.noteVenueError("cancel")
		e.log.Warn("cancel failed, local state cleared anyway",
			zap.String("order_id", o.ID), zap.Float64("price", o.Price), zap.Error(err))
	}
	if e.met != nil {
		e.met.RecordOrderCanceled()
	}
	e.log.Info("order canceled", zap.Float64("price", o.Price), zap.String("order_id", o.ID))
	return true
}

func (e *Engine) cancelAll(ctx context.Context) {
	for _, o := range e.book.List() {
		e.cancelByPrice(ctx, o.Price)
	}
	e.log.Info("all open orders canceled")
}

// InitializeOnce 一次性挂满阶梯：参考价以下挂买、以上挂卖、相等跳过。
// 可选地按上方卖单总量市价买入一笔作为初始对冲。重复调用为空操作。
func (e *Engine) InitializeOnce(ctx context.Context) {
	if e.initialized {
		return
	}
	ref := e.referencePrice(ctx)
	sellTotal := 0.0
	for _, p := range e.levels.Prices() {
		qty := e.levels.QtyFor(p)
		if qty <= 0 {
			continue
		}
		switch {
		case p > ref:
			if e.safePlace(ctx, SideSell, p, qty) {
				sellTotal += qty
			}
		case p < ref:
			e.safePlace(ctx, SideBuy, p, qty)
		default:
			// 与参考价重合的层不挂，贴价单会立即按市价成交
		}
	}
	if e.cfg.InitialHedge && sellTotal > 0 {
		qty := e.ex.RoundQuantity(sellTotal)
		if id, err := e.ex.PlaceMarketOrder(ctx, SideBuy, qty); err != nil {
			e.noteVenueError("market")
			e.log.Warn("initial hedge failed", zap.Float64("qty", qty), zap.Error(err))
		} else {
			e.log.Info("initial hedge placed", zap.Float64("qty", qty), zap.String("order_id", id))
		}
	}
	e.initialized = true
	e.log.Info("grid initialized",
		zap.Float64("reference", ref),
		zap.Bool("initial_hedge", e.cfg.InitialHedge),
		zap.Float64("sell_total", sellTotal),
		zap.Int("open_orders", e.book.Len()))
}

// onFill 成交增量入账：先记流水，再进 FIFO 账本。
func (e *Engine) onFill(side Side, price, contracts float64) {
	e.trades.Push(TradeRecord{TS: e.now().UTC(), Side: side, Price: price, Contracts: contracts})
	e.ledger.ApplyFill(side, price, contracts)
	if e.met != nil {
		e.met.RecordFill(contracts)
	}
	e.log.Info("fill recorded",
		zap.String("side", string(side)), zap.Float64("price", price),
		zap.Float64("contracts", contracts))
}

// PollFills 轮询每条活跃订单：增量成交先入账，订单完结后再触发补单。
// 单条订单查询失败跳过，留待下一轮。
func (e *Engine) PollFills(ctx context.Context) {
	for _, o := range e.book.List() {
		st, err := e.ex.FetchOrderStatus(ctx, o.ID)
		if err != nil {
			e.noteVenueError("fetch_order")
			e.log.Warn("fetch order status failed", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		inc, _ := e.book.RecordFill(o.ID, st.Filled)
		if inc > 0 {
			e.onFill(o.Side, o.Price, inc)
		}
		switch st.State {
		case OrderClosed:
			e.book.Remove(o.ID)
			e.replenish(ctx, o.Side, o.Price, st.Filled)
		case OrderCanceled:
			// 交易所侧已撤（手工或风控触发），仅清理本地
			e.book.Remove(o.ID)
			e.log.Info("order canceled on venue, removed locally",
				zap.String("order_id", o.ID), zap.Float64("price", o.Price))
		}
	}
}

// replenish 完结订单触发的补单：买单完结在上方邻格挂卖，卖单完结在
// 下方邻格挂买。首次成交忽略标志只消耗一次。
func (e *Engine) replenish(ctx context.Context, side Side, price, filled float64) {
	e.log.Info("order closed",
		zap.String("side", string(side)), zap.Float64("price", price),
		zap.Float64("filled", filled))
	if e.firstFillIgnore {
		e.firstFillIgnore = false
		e.log.Info("first fill ignored (initial hedge enabled)")
		return
	}
	if e.levels.QtyFor(price) <= 0 {
		return
	}
	if side == SideBuy {
		if up, ok := e.levels.NeighborAbove(price); ok {
			e.reseed(ctx, SideSell, up)
		}
	} else {
		if dn, ok := e.levels.NeighborBelow(price); ok {
			e.reseed(ctx, SideBuy, dn)
		}
	}
}

func (e *Engine) reseed(ctx context.Context, side Side, level float64) {
	qty := e.levels.QtyFor(level)
	if qty <= 0 {
		return
	}
	if e.held[level] {
		e.log.Debug("level held, not reseeding", zap.Float64("price", level))
		return
	}
	e.safePlace(ctx, side, level, qty)
}

// ProcessCommands 清空命令队列并逐条执行，单条失败不影响后续命令。
func (e *Engine) ProcessCommands(ctx context.Context) {
	cmds, malformed, err := e.queue.Drain()
	if err != nil {
		e.log.Warn("drain command queue failed", zap.Error(err))
		return
	}
	if malformed > 0 {
		e.log.Warn("skipped malformed command lines", zap.Int("count", malformed))
		if e.met != nil {
			e.met.RecordMalformedCommands(malformed)
		}
	}
	for _, cmd := range cmds {
		e.applyCommand(ctx, cmd)
	}
}

func (e *Engine) applyCommand(ctx context.Context, cmd Command) {
	switch cmd.Kind {
	case CmdCancelAll:
		e.recordCommand("cancel_all")
		e.cancelAll(ctx)

	case CmdCancelByPrice:
		e.recordCommand("cancel_by_price")
		if !e.cancelByPrice(ctx, cmd.Price) {
			e.log.Info("cancel_by_price: no order at price", zap.Float64("price", cmd.Price))
		}

	case CmdPlaceLimit:
		e.recordCommand("place_limit")
		// 手工下单绕过补单引擎和限价带，同价去重仍然生效
		price := e.ex.RoundPrice(cmd.Price)
		if e.book.Has(price) {
			e.log.Warn("place_limit skipped: price already has open order", zap.Float64("price", price))
			if e.met != nil {
				e.met.RecordDuplicateSkip()
			}
			return
		}
		qty := e.ex.RoundQuantity(cmd.Contracts)
		id, err := e.ex.PlaceLimitOrder(ctx, cmd.Side, price, qty, cmd.ReduceOnly)
		if err != nil {
			e.noteVenueError("place")
			e.log.Warn("place_limit failed", zap.Float64("price", price), zap.Error(err))
			return
		}
		_ = e.book.Track(OpenOrder{ID: id, Side: cmd.Side, Price: price})
		if e.met != nil {
			e.met.RecordOrderPlaced()
		}
		e.log.Info("manual order placed",
			zap.String("side", string(cmd.Side)), zap.Float64("price", price),
			zap.Float64("qty", qty), zap.Bool("reduce_only", cmd.ReduceOnly))

	case CmdHoldLevel:
		e.recordCommand("hold_level")
		price := e.ex.RoundPrice(cmd.Price)
		e.cancelByPrice(ctx, price)
		e.held[price] = true
		e.log.Info("level held", zap.Float64("price", price))

	case CmdRestoreLevel:
		e.recordCommand("restore_level")
		price := e.ex.RoundPrice(cmd.Price)
		delete(e.held, price)
		if e.book.Has(price) {
			e.log.Info("restore_level skipped: already has order", zap.Float64("price", price))
			return
		}
		qty := e.levels.QtyFor(price)
		if qty <= 0 {
			e.log.Info("restore_level skipped: qty is zero", zap.Float64("price", price))
			return
		}
		side := SideSell
		if price < e.referencePrice(ctx) {
			side = SideBuy
		}
		if !e.safePlace(ctx, side, price, qty) {
			e.log.Info("restore_level rejected (band or duplicate)", zap.Float64("price", price))
		}
	}
}

func (e *Engine) recordCommand(op string) {
	if e.met != nil {
		e.met.RecordCommand(op)
	}
}

// WriteSnapshot 组装并原子落盘当前状态。写失败只影响本轮快照，
// 旧文档保持完整可读。
func (e *Engine) WriteSnapshot(ctx context.Context) {
	ref := e.referencePrice(ctx)
	realized := e.ledger.Realized()
	unreal := e.ledger.Unrealized(ref)
	contracts := e.ledger.Contracts()
	avgCost := e.ledger.AvgCost()

	e.equity.Push(EquitySample{
		TS:         e.now().UTC(),
		Equity:     realized + unreal,
		Realized:   realized,
		Unrealized: unreal,
	})

	qtyByLevel := make(map[string]float64)
	for p, q := range e.levels.Quantities() {
		qtyByLevel[levelKey(p)] = q
	}
	open := make([]SnapshotOrder, 0, e.book.Len())
	for _, o := range e.book.List() {
		open = append(open, SnapshotOrder{Price: o.Price, ID: o.ID, Side: o.Side, Filled: o.Filled})
	}
	holds := make([]float64, 0, len(e.held))
	for p := range e.held {
		holds = append(holds, p)
	}
	sort.Float64s(holds)

	snap := Snapshot{
		TS:                 e.now().UTC(),
		Symbol:             e.cfg.Symbol,
		EntryPrice:         e.cfg.EntryPrice,
		CurrentPrice:       ref,
		ContractSize:       e.cfg.ContractSize,
		Levels:             e.levels.Prices(),
		QtyByLevel:         qtyByLevel,
		OpenOrders:         open,
		HoldLevels:         holds,
		InventoryContracts: contracts,
		InventoryBase:      contracts * e.cfg.ContractSize,
		InventoryAvgCost:   avgCost,
		RealizedPnL:        realized,
		UnrealizedPnL:      unreal,
		Equity:             realized + unreal,
		FeeRate:            e.cfg.FeeRate,
		PriceBand:          e.band.Current(ctx, ref),
		Trades:             e.trades.Tail(e.cfg.SnapshotTrades),
		EquitySeries:       e.equity.Tail(e.cfg.SnapshotEquity),
	}
	if err := WriteSnapshot(e.cfg.StatePath, snap); err != nil {
		if e.met != nil {
			e.met.RecordSnapshotFailure()
		}
		e.log.Error("snapshot write failed, previous document kept",
			zap.String("path", e.cfg.StatePath), zap.Error(err))
		return
	}
	if e.met != nil {
		e.met.UpdateTick(ref, e.book.CountBySide(SideBuy), e.book.CountBySide(SideSell),
			contracts, avgCost, realized, unreal)
	}
}

// Tick 按固定顺序执行一轮：初始化（仅一次）→ 命令 → 成交轮询与补单 → 快照。
func (e *Engine) Tick(ctx context.Context) {
	e.tickVenueErrors = 0
	if !e.initialized {
		e.InitializeOnce(ctx)
	}
	e.ProcessCommands(ctx)
	e.PollFills(ctx)
	e.WriteSnapshot(ctx)
	if e.tickVenueErrors > 0 {
		e.failStreak++
	} else {
		e.failStreak = 0
	}
	if e.AfterTick != nil {
		e.AfterTick()
	}
}

// penalty 连续出错后的额外退避等待。
func (e *Engine) penalty() time.Duration {
	if e.failStreak == 0 {
		return 0
	}
	return e.cfg.Retry.Delay(e.failStreak)
}

// Run 驱动主循环直至 ctx 取消。
func (e *Engine) Run(ctx context.Context) {
	e.log.Info("grid engine started",
		zap.String("symbol", e.cfg.Symbol),
		zap.Int("levels", len(e.levels.Prices())),
		zap.Duration("tick_interval", e.cfg.TickInterval))
	ticks := 0
	for {
		if ctx.Err() != nil {
			break
		}
		e.Tick(ctx)
		ticks++
		if ticks%e.cfg.HeartbeatEvery == 0 {
			e.heartbeat(ticks)
		}
		select {
		case <-ctx.Done():
			e.log.Info("grid engine stopped")
			return
		case <-time.After(e.cfg.TickInterval + e.penalty()):
		}
	}
	e.log.Info("grid engine stopped")
}

func (e *Engine) heartbeat(ticks int) {
	e.log.Info("heartbeat",
		zap.Int("tick", ticks),
		zap.Int("open_buys", e.book.CountBySide(SideBuy)),
		zap.Int("open_sells", e.book.CountBySide(SideSell)),
		zap.Float64("inventory", e.ledger.Contracts()),
		zap.Float64("realized_pnl", e.ledger.Realized()))
}
