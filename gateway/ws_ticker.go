package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultWSURL OKX v5 公共行情 WS 入口。
const DefaultWSURL = "wss://ws.okx.com:8443/ws/v5/public"

// TickerFeed 订阅 tickers 频道并缓存最新标记价，REST 参考价查询就近
// 取用，减少轮询接口的压力。断线后按固定间隔重连；引擎不依赖该通道，
// WS 不可用时一切照常走 REST。
type TickerFeed struct {
	URL    string
	InstID string
	Dialer *websocket.Dialer

	log *zap.Logger

	mu   sync.RWMutex
	mark float64
	at   time.Time
}

func NewTickerFeed(wsURL, instID string, log *zap.Logger) *TickerFeed {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TickerFeed{
		URL:    wsURL,
		InstID: instID,
		Dialer: websocket.DefaultDialer,
		log:    log,
	}
}

// Mark 返回最近缓存的标记价和接收时间。
func (f *TickerFeed) Mark() (float64, time.Time, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.mark <= 0 {
		return 0, time.Time{}, false
	}
	return f.mark, f.at, true
}

// Run 维持连接直至 ctx 取消。
func (f *TickerFeed) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := f.runOnce(ctx); err != nil && ctx.Err() == nil {
			f.log.Warn("ticker feed disconnected", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(3 * time.Second):
		}
	}
}

type wsSubscribe struct {
	Op   string  `json:"op"`
	Args []wsArg `json:"args"`
}

type wsArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type wsTickerMsg struct {
	Event string       `json:"event"`
	Data  []tickerData `json:"data"`
}

func (f *TickerFeed) runOnce(ctx context.Context) error {
	conn, _, err := f.Dialer.DialContext(ctx, f.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := wsSubscribe{Op: "subscribe", Args: []wsArg{{Channel: "tickers", InstID: f.InstID}}}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	// OKX 要求 30 秒内有流量，定期发应用层 ping
	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(15 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-t.C:
				_ = conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg wsTickerMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue // pong 等非 JSON 帧
		}
		if len(msg.Data) == 0 {
			continue
		}
		price := parseFloat(msg.Data[0].MarkPx)
		if price <= 0 {
			price = parseFloat(msg.Data[0].Last)
		}
		if price <= 0 {
			continue
		}
		f.mu.Lock()
		f.mark = price
		f.at = time.Now()
		f.mu.Unlock()
	}
}
