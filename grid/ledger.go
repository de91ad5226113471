package grid

// 数量判零阈值，对齐合约张数的浮点误差。
const epsContracts = 1e-12

// Lot 一笔买入形成的持仓批次，卖出时按先进先出消耗。
type Lot struct {
	Contracts float64 `json:"contracts"`
	Price     float64 `json:"price"`
}

// Ledger FIFO 批次记账。买入成交推入队尾，卖出成交从队头消耗，
// 已实现盈亏按消耗切片逐笔累计（扣双边手续费）。
type Ledger struct {
	lots         []Lot
	contractSize float64
	feeRate      float64
	realized     float64
}

func NewLedger(contractSize, feeRate float64) *Ledger {
	if contractSize <= 0 {
		contractSize = 1
	}
	return &Ledger{contractSize: contractSize, feeRate: feeRate}
}

// ApplyFill 入账一笔成交增量。卖出数量超过持仓时清空队列并忽略多余部分，
// 持仓永远不会变成负数。
func (l *Ledger) ApplyFill(side Side, price, contracts float64) {
	if contracts <= 0 {
		return
	}
	if side == SideBuy {
		l.lots = append(l.lots, Lot{Contracts: contracts, Price: price})
		return
	}
	toSell := contracts
	for toSell > epsContracts && len(l.lots) > 0 {
		lot := &l.lots[0]
		use := toSell
		if lot.Contracts < use {
			use = lot.Contracts
		}
		notional := use * l.contractSize
		pnl := (price - lot.Price) * notional
		fees := l.feeRate*price*notional + l.feeRate*lot.Price*notional
		l.realized += pnl - fees
		lot.Contracts -= use
		toSell -= use
		if lot.Contracts <= epsContracts {
			l.lots = l.lots[1:]
		}
	}
}

// Realized 已实现盈亏累计值。
func (l *Ledger) Realized() float64 {
	return l.realized
}

// Unrealized 按标记价对剩余批次估值。
func (l *Ledger) Unrealized(mark float64) float64 {
	total := 0.0
	for _, lot := range l.lots {
		total += (mark - lot.Price) * lot.Contracts * l.contractSize
	}
	return total
}

// Contracts 剩余持仓合约数。
func (l *Ledger) Contracts() float64 {
	total := 0.0
	for _, lot := range l.lots {
		total += lot.Contracts
	}
	return total
}

// CostNotional 剩余批次的成本名义价值。
func (l *Ledger) CostNotional() float64 {
	total := 0.0
	for _, lot := range l.lots {
		total += lot.Price * lot.Contracts * l.contractSize
	}
	return total
}

// AvgCost 名义加权平均成本，无持仓时为 0。
func (l *Ledger) AvgCost() float64 {
	contracts := l.Contracts()
	if contracts <= epsContracts {
		return 0
	}
	return l.CostNotional() / (contracts * l.contractSize)
}

// Lots 返回批次拷贝，队头在前。
func (l *Ledger) Lots() []Lot {
	out := make([]Lot, len(l.lots))
	copy(out, l.lots)
	return out
}
