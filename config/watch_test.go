package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherMissingFile(t *testing.T) {
	w := Watcher{Path: filepath.Join(t.TempDir(), "nope.yaml")}
	if err := w.Start(context.Background(), nil); err == nil {
		t.Fatal("监听不存在的文件应报错")
	}
}

func TestWatcherStopsOnCancel(t *testing.T) {
	w := Watcher{Path: writeTempConfig(t, validConfig)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Start(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, validConfig)
	w := Watcher{Path: path, Cooldown: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan AppConfig, 1)
	go func() {
		_ = w.Start(ctx, func(cfg AppConfig) {
			select {
			case updates <- cfg:
			default:
			}
		})
	}()

	// 给 watcher 一点启动时间后改写配置
	time.Sleep(50 * time.Millisecond)
	newContent := `
exchange:
  apiKey: "k"
  apiSecret: "s"
  passphrase: "p"
  symbol: "ETH-USDT-SWAP"
grid:
  lowerPrice: 2000
  upperPrice: 3000
  levels: 20
  orderNotional: 10
`
	if err := os.WriteFile(path, []byte(newContent), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-updates:
		if cfg.Exchange.Symbol != "ETH-USDT-SWAP" {
			t.Errorf("回调拿到的不是新配置: %+v", cfg.Exchange)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("改写后未收到重载回调")
	}
}

func TestWatcherIgnoresBrokenConfig(t *testing.T) {
	path := writeTempConfig(t, validConfig)
	w := Watcher{Path: path, Cooldown: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan AppConfig, 4)
	go func() {
		_ = w.Start(ctx, func(cfg AppConfig) { updates <- cfg })
	}()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("grid: [broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-updates:
		t.Fatalf("坏配置不应触发回调: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
}
