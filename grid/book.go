package grid

import "sort"

// OpenOrder 本地订单簿中的一条活跃挂单。Filled 为累计成交合约数，
// 订单存活期间单调不减。
type OpenOrder struct {
	ID     string
	Side   Side
	Price  float64
	Filled float64
}

// Book 维护 价格→订单 与 订单ID→元数据 两张表，保证一价一单。
// 引擎单线程持有，所有修改都发生在同一个 tick 内，不需要加锁。
type Book struct {
	byPrice map[float64]string
	byID    map[string]OpenOrder
}

func NewBook() *Book {
	return &Book{
		byPrice: make(map[float64]string),
		byID:    make(map[string]OpenOrder),
	}
}

// Track 登记一条新挂单。同价位已有订单时返回 ErrDuplicatePrice，不做任何修改。
func (b *Book) Track(o OpenOrder) error {
	if _, ok := b.byPrice[o.Price]; ok {
		return ErrDuplicatePrice
	}
	b.byPrice[o.Price] = o.ID
	b.byID[o.ID] = o
	return nil
}

// Has 判断价位上是否已有活跃订单。
func (b *Book) Has(price float64) bool {
	_, ok := b.byPrice[price]
	return ok
}

// Get 按订单 ID 查询。
func (b *Book) Get(id string) (OpenOrder, bool) {
	o, ok := b.byID[id]
	return o, ok
}

// AtPrice 按价位查询。
func (b *Book) AtPrice(price float64) (OpenOrder, bool) {
	id, ok := b.byPrice[price]
	if !ok {
		return OpenOrder{}, false
	}
	return b.byID[id], true
}

// RecordFill 更新订单累计成交并返回本次增量。交易所回报只会前进不会回退，
// 小于已记录值的回报按增量 0 处理。
func (b *Book) RecordFill(id string, cumFilled float64) (float64, error) {
	o, ok := b.byID[id]
	if !ok {
		return 0, ErrUnknownOrder
	}
	inc := cumFilled - o.Filled
	if inc <= 0 {
		return 0, nil
	}
	o.Filled = cumFilled
	b.byID[id] = o
	return inc, nil
}

// Remove 按订单 ID 移除，同时清掉价位映射。
func (b *Book) Remove(id string) {
	o, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)
	if b.byPrice[o.Price] == id {
		delete(b.byPrice, o.Price)
	}
}

// RemoveByPrice 按价位移除并返回被移除的订单。
func (b *Book) RemoveByPrice(price float64) (OpenOrder, bool) {
	id, ok := b.byPrice[price]
	if !ok {
		return OpenOrder{}, false
	}
	o := b.byID[id]
	delete(b.byPrice, price)
	delete(b.byID, id)
	return o, true
}

// List 返回全部活跃订单，按价格升序。
func (b *Book) List() []OpenOrder {
	out := make([]OpenOrder, 0, len(b.byID))
	for _, o := range b.byID {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}

// Len 活跃订单数。
func (b *Book) Len() int {
	return len(b.byID)
}

// CountBySide 按方向统计活跃订单数。
func (b *Book) CountBySide(side Side) int {
	n := 0
	for _, o := range b.byID {
		if o.Side == side {
			n++
		}
	}
	return n
}
