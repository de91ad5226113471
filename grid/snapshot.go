package grid

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// SnapshotOrder 快照中的一条活跃挂单。
type SnapshotOrder struct {
	Price  float64 `json:"price"`
	ID     string  `json:"id"`
	Side   Side    `json:"side"`
	Filled float64 `json:"filled"`
}

// Snapshot 每轮 tick 对外发布的完整引擎状态。外部查看器只读此文档，
// 字段名与命令文件一起构成对外契约。
type Snapshot struct {
	TS                 time.Time          `json:"ts"`
	Symbol             string             `json:"symbol"`
	EntryPrice         float64            `json:"entry_price"`
	CurrentPrice       float64            `json:"current_price"`
	ContractSize       float64            `json:"contract_size"`
	Levels             []float64          `json:"levels"`
	QtyByLevel         map[string]float64 `json:"grid_qty_by_level"`
	OpenOrders         []SnapshotOrder    `json:"open_orders"`
	HoldLevels         []float64          `json:"hold_levels"`
	InventoryContracts float64            `json:"inventory_contracts"`
	InventoryBase      float64            `json:"inventory_base"`
	InventoryAvgCost   float64            `json:"inventory_avg_cost"`
	RealizedPnL        float64            `json:"realized_pnl"`
	UnrealizedPnL      float64            `json:"unrealized_pnl"`
	Equity             float64            `json:"equity"`
	FeeRate            float64            `json:"fee_rate"`
	PriceBand          PriceBand          `json:"price_band"`
	Trades             []TradeRecord      `json:"trades"`
	EquitySeries       []EquitySample     `json:"equity_series"`
}

// WriteSnapshot 原子地把快照写到 path：同目录临时文件 + fsync + rename，
// 读者要么看到旧文档要么看到完整的新文档。
func WriteSnapshot(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(path, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".tmp_state_*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// levelKey JSON 对象键只能是字符串，价位用最短十进制表示。
func levelKey(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
