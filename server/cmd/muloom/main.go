package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"muloom/server/internal/api"
	"muloom/server/internal/assets"
	"muloom/server/internal/auth"
	"muloom/server/internal/config"
	"muloom/server/internal/deck"
	"muloom/server/internal/engine"
	"muloom/server/internal/realtime"
	"muloom/server/internal/timeline"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 参数用 flag；部署相关配置（地址、Redis、控制端密钥）也可以用环境变量覆盖。
	configPath := flag.String("config", "", "config file path (yaml)")
	addr := flag.String("addr", "", "http listen address, overrides server.host/port")
	hashKey := flag.String("hash-key", "", "print the bcrypt hash of a controller key and exit")
	flag.Parse()

	if *hashKey != "" {
		hash, err := auth.HashKey(*hashKey)
		if err != nil {
			log.Fatalf("hash key: %v", err)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		host, port, err := net.SplitHostPort(*addr)
		if err != nil {
			log.Fatalf("invalid -addr %q: %v", *addr, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			log.Fatalf("invalid -addr port %q: %v", port, err)
		}
		cfg.Server.Host, cfg.Server.Port = host, p
	}

	logger := log.Default()

	journal, err := timeline.OpenStore(timeline.StoreOptions{
		Backend:       cfg.Journal.Backend,
		SQLitePath:    cfg.Journal.SQLitePath,
		RedisAddr:     cfg.Journal.RedisAddr,
		RedisPassword: cfg.Journal.RedisPassword,
		RedisDB:       cfg.Journal.RedisDB,
		RedisPrefix:   cfg.Journal.RedisPrefix,
	})
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	defer journal.Close()

	state := engine.NewState(engine.Options{
		Transport: timeline.NewTransport(),
		Pipeline:  engine.NewMemoryPipeline(),
		Profile:   cfg.Server.Profile,
		Logger:    logger,
	})
	loader := assets.NewLoader(cfg.Paths.GLSL, cfg.Paths.MP4)

	rt := realtime.NewManager(realtime.Options{
		State:   state,
		Decks:   deck.NewManager(logger),
		Journal: journal,
		Guard:   auth.NewGuard(cfg.Auth.ControllerKeyHash, logger),
		Assets:  loader.Load,
		Session: realtime.SessionOptions{
			QueueSize:     cfg.Realtime.QueueSize,
			PingInterval:  cfg.Realtime.PingInterval,
			PongTimeout:   cfg.Realtime.PongTimeout,
			AckTimeout:    cfg.Realtime.AckTimeout,
			MaxAckRetries: cfg.Realtime.MaxAckRetries,
			HelloTimeout:  cfg.Realtime.HelloTimeout,
			WriteWait:     cfg.Realtime.WriteWait,
		},
		TransportTickHz: cfg.Realtime.TransportTickHz,
		Logger:          logger,
		Debug:           cfg.Logging.Debug(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt.Start(ctx)

	server := api.NewServer(cfg, rt, loader, journal, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("muloom control plane listening on %s (journal=%s)", httpServer.Addr, cfg.Journal.Backend)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.Stop()
			log.Fatalf("serve: %v", err)
		}
	case <-ctx.Done():
		log.Println("shutting down...")
	}

	// 先关闭 WebSocket 会话，再等待普通请求结束。
	rt.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
