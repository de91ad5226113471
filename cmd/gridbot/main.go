package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Easonluoyuchen/OKX-Grid-Trading-Bot/config"
	"github.com/Easonluoyuchen/OKX-Grid-Trading-Bot/gateway"
	"github.com/Easonluoyuchen/OKX-Grid-Trading-Bot/grid"
	"github.com/Easonluoyuchen/OKX-Grid-Trading-Bot/logs"
	"github.com/Easonluoyuchen/OKX-Grid-Trading-Bot/metrics"
	"github.com/Easonluoyuchen/OKX-Grid-Trading-Bot/monitor"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	symbol := flag.String("symbol", "", "覆盖配置中的交易对（例如 BTC-USDT-SWAP）")
	metricsAddr := flag.String("metricsAddr", ":9100", "Prometheus metrics 监听地址，留空则关闭")
	flag.Parse()

	// .env 提供 OKX_API_KEY 等凭据，文件不存在时忽略
	_ = godotenv.Load()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if *symbol != "" {
		cfg.Exchange.Symbol = *symbol
	}

	logger, err := logs.New(cfg.Logging)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := gateway.NewClient(
		cfg.Exchange.BaseURL,
		cfg.Exchange.APIKey,
		cfg.Exchange.APISecret,
		cfg.Exchange.Passphrase,
		cfg.Exchange.Symbol,
		cfg.Exchange.Simulated,
	)
	restRate, restBurst := cfg.Runtime.RestRate, cfg.Runtime.RestBurst
	if restRate <= 0 {
		restRate = 5
	}
	if restBurst <= 0 {
		restBurst = 10
	}
	client.Limiter = gateway.NewTokenBucketLimiter(restRate, restBurst)

	inst, err := client.LoadInstrument(ctx)
	if err != nil {
		logger.Fatal("加载合约元数据失败", zap.String("symbol", cfg.Exchange.Symbol), zap.Error(err))
	}
	logger.Info("instrument loaded",
		zap.String("symbol", cfg.Exchange.Symbol),
		zap.Float64("tick_size", inst.TickSize),
		zap.Float64("lot_size", inst.LotSize),
		zap.Float64("contract_size", inst.ContractSize))

	if cfg.Exchange.UseWS {
		feed := gateway.NewTickerFeed(cfg.Exchange.WSURL, cfg.Exchange.Symbol, logger)
		client.Marks = feed
		go feed.Run(ctx)
	}

	// 进场参考价，取不到时退回区间中值
	entry, err := client.FetchReferencePrice(ctx)
	if err != nil || entry <= 0 {
		entry = (cfg.Grid.LowerPrice + cfg.Grid.UpperPrice) / 2
		logger.Warn("参考价不可用，使用区间中值", zap.Float64("entry", entry), zap.Error(err))
	}

	// 用每格名义金额换算合约数量：qty = notional / price / ctVal
	prices := grid.BuildLevels(cfg.Grid.LowerPrice, cfg.Grid.UpperPrice, cfg.Grid.Levels, client.RoundPrice)
	qtyByLevel := make(map[float64]float64, len(prices))
	for _, p := range prices {
		qtyByLevel[p] = cfg.Grid.OrderNotional / p / inst.ContractSize
	}
	levels := grid.NewLevels(prices, qtyByLevel, client.RoundPrice)

	var retry grid.RetryPolicy
	if cfg.Runtime.RetryBackoff == "exponential" {
		retry = grid.ExponentialBackoff{
			Base: time.Duration(cfg.Runtime.RetryBaseMs) * time.Millisecond,
			Max:  time.Duration(cfg.Runtime.RetryMaxMs) * time.Millisecond,
		}
	}

	engine := grid.New(grid.Config{
		Symbol:         cfg.Exchange.Symbol,
		EntryPrice:     entry,
		ContractSize:   inst.ContractSize,
		FeeRate:        cfg.Runtime.FeeRate,
		StatePath:      cfg.Runtime.StatePath,
		CommandsPath:   cfg.Runtime.CommandsPath,
		PlaceDelay:     time.Duration(cfg.Runtime.PlaceDelayMs) * time.Millisecond,
		TickInterval:   time.Duration(cfg.Runtime.PollIntervalMs) * time.Millisecond,
		BandTTL:        time.Duration(cfg.Runtime.BandTTLSec) * time.Second,
		InitialHedge:   cfg.Grid.InitialHedge,
		HeartbeatEvery: cfg.Runtime.HeartbeatEvery,
		Retry:          retry,
	}, client, levels, logger)

	met := metrics.New("gridbot")
	metrics.Serve(*metricsAddr, met)
	engine.SetMetrics(met)

	// 运行期可调项热更新：tick 间隔与限价带 TTL，在 tick 收尾处应用
	updates := make(chan config.AppConfig, 1)
	go func() {
		w := config.Watcher{Path: *cfgPath}
		_ = w.Start(ctx, func(c config.AppConfig) {
			select {
			case updates <- c:
			default:
			}
		})
	}()

	wd := monitor.NewWatchdog()
	wd.Ready()
	engine.AfterTick = func() {
		wd.Ping()
		select {
		case c := <-updates:
			engine.SetTickInterval(time.Duration(c.Runtime.PollIntervalMs) * time.Millisecond)
			engine.SetBandTTL(time.Duration(c.Runtime.BandTTLSec) * time.Second)
			logger.Info("runtime config reloaded",
				zap.Int("poll_interval_ms", c.Runtime.PollIntervalMs),
				zap.Int("band_ttl_sec", c.Runtime.BandTTLSec))
		default:
		}
	}

	engine.Run(ctx)
	wd.Stopping()
}
