package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"clawrelay/server"
)

// clawrelay 入口：加载配置，启动 HTTP + WebSocket 服务与可选的 NATS 桥
func main() {
	var (
		addr       string
		configPath string
		logPath    string
	)
	flag.StringVar(&addr, "addr", "", "server listen address, e.g. :8080 (overrides config)")
	flag.StringVar(&configPath, "config", "", "path to a JSON config file")
	flag.StringVar(&logPath, "log", "", "log file path (overrides config)")
	flag.Parse()

	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if logPath != "" {
		cfg.Log.File = logPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := server.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Errorf("exiting: %v", err)
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg server.Config, log *zap.SugaredLogger) (err error) {
	metrics := server.NewMetrics()
	worlds := server.NewWorldManager(cfg.World, cfg.MaxWorlds, log, metrics)

	if cfg.Nats.Enabled {
		closeNats, natsErr := startNats(cfg.Nats, worlds, log)
		if natsErr != nil {
			return natsErr
		}
		defer func() { err = multierr.Append(err, closeNats()) }()
	}

	defer worlds.Close()
	// 先预创建默认世界，便于快速试跑
	if _, err := worlds.GetOrCreate(server.DefaultWorld); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.NewServer(cfg, worlds, metrics, log).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("clawrelay listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// 优雅退出（Ctrl+C）
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// startNats 连接外部 NATS 或启动内置服务，并把桥接到世界管理器上
func startNats(cfg server.NatsConfig, worlds *server.WorldManager, log *zap.SugaredLogger) (func() error, error) {
	var embedded *server.EmbeddedNats
	url := cfg.URL
	if cfg.Embedded {
		timeout, _ := time.ParseDuration(cfg.StartTimeout)
		opts := []server.EmbeddedNatsOpt{server.WithNatsHost(cfg.Host), server.WithNatsPort(cfg.Port)}
		if timeout > 0 {
			opts = append(opts, server.WithNatsStartupTimeout(timeout))
		}
		ns, err := server.NewEmbeddedNats(opts...)
		if err != nil {
			return nil, err
		}
		if err := ns.Start(); err != nil {
			return nil, err
		}
		embedded = ns
		url = ns.ClientURL()
		log.Infof("embedded nats listening on %s", url)
	}

	conn, err := nats.Connect(url, nats.Name("clawrelay"))
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	bridge := server.NewNatsBridge(conn, cfg.SubjectPrefix, worlds, log)
	if err := bridge.Start(); err != nil {
		conn.Close()
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, err
	}
	worlds.SetEventSink(bridge)

	return func() error {
		err := bridge.Close()
		conn.Close()
		if embedded != nil {
			embedded.Shutdown()
		}
		return err
	}, nil
}
