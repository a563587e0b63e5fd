package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"mexc-quoter/api"
	"mexc-quoter/config"
	"mexc-quoter/gateway"
	"mexc-quoter/infrastructure/logger"
	"mexc-quoter/internal/session"
	"mexc-quoter/market"
	"mexc-quoter/monitor"
)

func main() {
	cfgPath := flag.String("config", "configs/quoter.yaml", "配置文件路径")
	listenAddr := flag.String("listen", "", "控制面监听地址，覆盖配置文件")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		// 无配置文件时退回内置默认值，便于本地起服务
		log.Printf("load config failed (%v), using defaults", err)
		cfg = config.Default()
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	zlog, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zlog.Close()

	mon := monitor.New(monitor.DefaultConfig())

	limiter := gateway.NewTokenBucketLimiter(cfg.Exchange.RestRate, cfg.Exchange.RestBurst)
	dial := func() (session.FeedConn, error) {
		feed := market.NewFeed(zlog)
		ws := market.NewWSClient(feed, zlog)
		ws.Endpoint = cfg.Exchange.WSEndpoint
		if err := ws.Connect(); err != nil {
			mon.RecordWSDisconnect()
			return nil, err
		}
		return ws, nil
	}
	ctrl := session.NewController(
		dial,
		session.RESTGatewayFactory(cfg.Exchange.RestURL, limiter),
		zlog,
		mon,
	)
	ctrl.SetDefaults(session.Defaults{MaxPriceDeviation: cfg.Session.MaxPriceDeviation})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 配置热更新：只刷新会话缺省参数，对下一次 start 生效
	go func() {
		w := config.Watcher{Path: *cfgPath}
		err := w.Start(ctx, func(next config.AppConfig) {
			ctrl.SetDefaults(session.Defaults{MaxPriceDeviation: next.Session.MaxPriceDeviation})
			zlog.Info("session defaults reloaded",
				zap.Float64("max_price_deviation", next.Session.MaxPriceDeviation))
		})
		if err != nil && ctx.Err() == nil {
			zlog.Warn("config watcher stopped", zap.Error(err))
		}
	}()

	srv := api.NewServer(ctrl, mon, zlog, cfg.Server.AllowedOrigins)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.Server.ListenAddr) }()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		zlog.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		zlog.Error("control api server exited", zap.Error(err))
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	ctrl.Stop() // 撤掉双侧挂单后再退出
}
