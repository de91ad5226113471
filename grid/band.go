package grid

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// 限价带拉取失败时围绕参考价合成的回退带宽。
const bandFallbackPct = 0.02

// BandGuard 缓存交易所限价带，TTL 过期后重新拉取；
// 拉取失败时按 fallback×(1±2%) 合成并照常缓存，避免每个 tick 重复打接口。
type BandGuard struct {
	ex  Exchange
	ttl time.Duration
	log *zap.Logger

	cached    PriceBand
	fetchedAt time.Time
	haveCache bool

	now func() time.Time
}

func NewBandGuard(ex Exchange, ttl time.Duration, log *zap.Logger) *BandGuard {
	if ttl <= 0 {
		ttl = 8 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BandGuard{ex: ex, ttl: ttl, log: log, now: time.Now}
}

// SetTTL 更新缓存时长，下一次查询生效。
func (g *BandGuard) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		g.ttl = ttl
	}
}

// Current 返回当前限价带。fallback 为合成回退带时使用的参考价。
func (g *BandGuard) Current(ctx context.Context, fallback float64) PriceBand {
	now := g.now()
	if g.haveCache && now.Sub(g.fetchedAt) < g.ttl {
		return g.cached
	}
	band, err := g.ex.FetchPriceLimits(ctx)
	if err != nil || (band.MaxBuy <= 0 && band.MinSell <= 0) {
		band = PriceBand{
			MaxBuy:  g.ex.RoundPrice(fallback * (1 + bandFallbackPct)),
			MinSell: g.ex.RoundPrice(fallback * (1 - bandFallbackPct)),
		}
		g.log.Warn("price limit fetch failed, using synthetic band",
			zap.Error(err),
			zap.Float64("fallback", fallback),
			zap.Float64("max_buy", band.MaxBuy),
			zap.Float64("min_sell", band.MinSell))
	}
	g.cached = band
	g.fetchedAt = now
	g.haveCache = true
	return band
}
