package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Easonluoyuchen/OKX-Grid-Trading-Bot/grid"
)

// DefaultBaseURL OKX v5 REST 入口。
const DefaultBaseURL = "https://www.okx.com"

// wsMarkMaxAge WS 缓存的标记价超过该时限后退回 REST 查询。
const wsMarkMaxAge = 5 * time.Second

// MarkSource 最近标记价的本地缓存，由行情 WS 维护。
type MarkSource interface {
	Mark() (price float64, at time.Time, ok bool)
}

// Client OKX v5 REST 客户端，实现 grid.Exchange。
// 默认不发起真实网络调用，HTTPClient 可注入 httptest。
type Client struct {
	BaseURL    string
	APIKey     string
	Secret     string
	Passphrase string
	Simulated  bool // 模拟盘（x-simulated-trading 头）
	InstID     string
	HTTPClient *http.Client
	Limiter    RateLimiter
	Marks      MarkSource // 可选，FetchReferencePrice 优先使用

	inst Instrument
	now  func() time.Time
}

// NewClient 构造客户端，调用方随后应 LoadInstrument 填充精度。
func NewClient(baseURL, apiKey, secret, passphrase, instID string, simulated bool) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Secret:     secret,
		Passphrase: passphrase,
		Simulated:  simulated,
		InstID:     instID,
		HTTPClient: NewDefaultHTTPClient(),
		now:        time.Now,
	}
}

// NewDefaultHTTPClient 带超时的 http.Client，交易所调用不允许无限阻塞。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

type apiEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// do 发送一次签名请求并把 data 解到 out。requestPath 需包含查询串。
func (c *Client) do(ctx context.Context, method, requestPath string, body, out any) error {
	if c.HTTPClient == nil {
		return fmt.Errorf("http client not set")
	}
	if c.Limiter != nil {
		c.Limiter.Wait()
	}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	ts := IsoTimestamp(c.now())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OK-ACCESS-KEY", c.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", Sign(ts, method, requestPath, string(payload), c.Secret))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.Passphrase)
	if c.Simulated {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("okx %s %s: status %d", method, requestPath, resp.StatusCode)
	}
	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return err
	}
	if env.Code != "0" {
		return fmt.Errorf("okx api error %s: %s", env.Code, env.Msg)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

type orderResult struct {
	OrdID string `json:"ordId"`
	SCode string `json:"sCode"`
	SMsg  string `json:"sMsg"`
}

func (c *Client) placeOrder(ctx context.Context, body map[string]any) (string, error) {
	var data []orderResult
	if err := c.do(ctx, http.MethodPost, "/api/v5/trade/order", body, &data); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("okx place order: empty response")
	}
	r := data[0]
	if r.SCode != "" && r.SCode != "0" {
		return "", fmt.Errorf("okx order rejected %s: %s", r.SCode, r.SMsg)
	}
	if r.OrdID == "" {
		return "", fmt.Errorf("okx place order: missing ordId")
	}
	return r.OrdID, nil
}

// PlaceLimitOrder 全仓限价单。
func (c *Client) PlaceLimitOrder(ctx context.Context, side grid.Side, price, qty float64, reduceOnly bool) (string, error) {
	body := map[string]any{
		"instId":  c.InstID,
		"tdMode":  "cross",
		"side":    string(side),
		"ordType": "limit",
		"px":      formatFloat(price),
		"sz":      formatFloat(qty),
	}
	if reduceOnly {
		body["reduceOnly"] = true
	}
	return c.placeOrder(ctx, body)
}

// PlaceMarketOrder 全仓市价单，用于初始对冲。
func (c *Client) PlaceMarketOrder(ctx context.Context, side grid.Side, qty float64) (string, error) {
	return c.placeOrder(ctx, map[string]any{
		"instId":  c.InstID,
		"tdMode":  "cross",
		"side":    string(side),
		"ordType": "market",
		"sz":      formatFloat(qty),
	})
}

// CancelOrder 按订单 ID 撤单。
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	var data []orderResult
	err := c.do(ctx, http.MethodPost, "/api/v5/trade/cancel-order", map[string]any{
		"instId": c.InstID,
		"ordId":  orderID,
	}, &data)
	if err != nil {
		return err
	}
	if len(data) > 0 && data[0].SCode != "" && data[0].SCode != "0" {
		return fmt.Errorf("okx cancel rejected %s: %s", data[0].SCode, data[0].SMsg)
	}
	return nil
}

type orderDetail struct {
	AccFillSz string `json:"accFillSz"`
	State     string `json:"state"`
}

// FetchOrderStatus 查询订单的累计成交与生命周期状态。
func (c *Client) FetchOrderStatus(ctx context.Context, orderID string) (grid.OrderStatus, error) {
	path := "/api/v5/trade/order?" + url.Values{
		"instId": {c.InstID},
		"ordId":  {orderID},
	}.Encode()
	var data []orderDetail
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return grid.OrderStatus{}, err
	}
	if len(data) == 0 {
		return grid.OrderStatus{}, fmt.Errorf("okx order %s: not found", orderID)
	}
	d := data[0]
	st := grid.OrderStatus{Filled: parseFloat(d.AccFillSz)}
	switch d.State {
	case "filled":
		st.State = grid.OrderClosed
	case "canceled", "mmp_canceled":
		st.State = grid.OrderCanceled
	case "partially_filled":
		st.State = grid.OrderPartiallyFilled
	default: // live
		st.State = grid.OrderOpen
	}
	return st, nil
}

type tickerData struct {
	Last   string `json:"last"`
	MarkPx string `json:"markPx"`
	BidPx  string `json:"bidPx"`
	AskPx  string `json:"askPx"`
}

// FetchReferencePrice 参考价：WS 缓存的标记价 → REST 标记价 → 盘口中值 → 最新价。
func (c *Client) FetchReferencePrice(ctx context.Context) (float64, error) {
	if c.Marks != nil {
		if mark, at, ok := c.Marks.Mark(); ok && c.now().Sub(at) < wsMarkMaxAge {
			return mark, nil
		}
	}
	path := "/api/v5/market/ticker?" + url.Values{"instId": {c.InstID}}.Encode()
	var data []tickerData
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("okx ticker %s: empty", c.InstID)
	}
	t := data[0]
	if mark := parseFloat(t.MarkPx); mark > 0 {
		return mark, nil
	}
	bid, ask := parseFloat(t.BidPx), parseFloat(t.AskPx)
	if bid > 0 && ask > 0 {
		return (bid + ask) / 2, nil
	}
	if last := parseFloat(t.Last); last > 0 {
		return last, nil
	}
	return 0, fmt.Errorf("okx ticker %s: no usable price", c.InstID)
}

type priceLimitData struct {
	BuyLmt  string `json:"buyLmt"`
	SellLmt string `json:"sellLmt"`
}

// FetchPriceLimits 查询交易所限价带。
func (c *Client) FetchPriceLimits(ctx context.Context) (grid.PriceBand, error) {
	path := "/api/v5/public/price-limit?" + url.Values{"instId": {c.InstID}}.Encode()
	var data []priceLimitData
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return grid.PriceBand{}, err
	}
	if len(data) == 0 {
		return grid.PriceBand{}, fmt.Errorf("okx price limit %s: empty", c.InstID)
	}
	return grid.PriceBand{
		MaxBuy:  parseFloat(data[0].BuyLmt),
		MinSell: parseFloat(data[0].SellLmt),
	}, nil
}

type instrumentData struct {
	TickSz string `json:"tickSz"`
	LotSz  string `json:"lotSz"`
	CtVal  string `json:"ctVal"`
}

// LoadInstrument 拉取合约精度元数据，必须在首次下单前调用。
func (c *Client) LoadInstrument(ctx context.Context) (Instrument, error) {
	path := "/api/v5/public/instruments?" + url.Values{
		"instType": {"SWAP"},
		"instId":   {c.InstID},
	}.Encode()
	var data []instrumentData
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return Instrument{}, err
	}
	if len(data) == 0 {
		return Instrument{}, fmt.Errorf("okx instrument %s: not found", c.InstID)
	}
	c.inst = Instrument{
		TickSize:     parseFloat(data[0].TickSz),
		LotSize:      parseFloat(data[0].LotSz),
		ContractSize: parseFloat(data[0].CtVal),
	}
	return c.inst, nil
}

// Instrument 返回已加载的精度元数据。
func (c *Client) Instrument() Instrument { return c.inst }

// RoundPrice 按合约 tick 对齐价格。
func (c *Client) RoundPrice(p float64) float64 { return c.inst.SnapPrice(p) }

// RoundQuantity 按合约 lot 对齐数量。
func (c *Client) RoundQuantity(q float64) float64 { return c.inst.SnapQuantity(q) }
