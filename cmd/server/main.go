package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"bastion-dispatcher/internal/api"
	"bastion-dispatcher/internal/archive"
	"bastion-dispatcher/internal/auth"
	"bastion-dispatcher/internal/config"
	"bastion-dispatcher/internal/quota"
	"bastion-dispatcher/internal/scanner"
	"bastion-dispatcher/internal/scheduler"
	"bastion-dispatcher/internal/store"
	"bastion-dispatcher/internal/transport"
	"bastion-dispatcher/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	nodeTags := nodeAddressTags(cfg)
	if err := st.InitNodes(ctx, nodeTags); err != nil {
		log.Fatalf("init node state: %v", err)
	}

	pool, err := transport.NewPool(transport.PoolConfig{
		BastionAddress:    cfg.BastionAddress,
		BastionUser:       cfg.BastionUser,
		BastionSecondary:  cfg.BastionSecondary,
		KeyPath:           cfg.BastionKeyPath,
		NodeAddresses:     cfg.NodeAddresses,
		RemoteUser:        cfg.RemoteUser,
		RemoteSecret:      cfg.RemoteSecret,
		ConnectTimeout:    int(cfg.TransportConnectTimeout.Seconds()),
		ExecTimeout:       int(cfg.TransportExecTimeout.Seconds()),
		KeepaliveInterval: int(cfg.TransportKeepaliveInterval.Seconds()),
		ReconnectBudget:   cfg.TransportReconnectBudget,
	})
	if err != nil {
		log.Fatalf("build transport pool: %v", err)
	}
	if err := pool.ConnectAll(ctx); err != nil {
		log.Printf("one or more nodes failed to connect at startup: %v", err)
	}
	defer pool.CloseAll()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := quota.NewLimiter(redisClient, cfg.SubmitRatePerMinute, time.Minute)

	authenticator := auth.New(st)
	sched := scheduler.New(st)

	var scan scanner.Scanner = scanner.NoopScanner{}
	if cfg.ScannerEnabled && cfg.ScannerQuick {
		scan = scanner.NewQuickStatic()
	}

	uploadDir := os.Getenv("UPLOAD_DIR")
	if uploadDir == "" {
		uploadDir = "/var/lib/dispatcher/uploads"
	}
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		log.Fatalf("create upload dir: %v", err)
	}

	server := api.New(cfg, st, authenticator, limiter, sched, scan, uploadDir)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	uploader, err := archive.NewS3Uploader(ctx, cfg.ArtifactS3Bucket, cfg.ArtifactS3Region)
	if err != nil {
		log.Fatalf("build s3 uploader: %v", err)
	}
	sweeper := archive.NewSweeper(st, uploader, cfg.ArtifactRetentionHours, time.Hour)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("artifact sweeper stopped: %v", err)
		}
	}()

	for node := 0; node < pool.Size(); node++ {
		nodeTransport, err := pool.Node(node)
		if err != nil {
			log.Fatalf("resolve transport for node %d: %v", node, err)
		}
		w := worker.New(node, cfg, st, sched, nodeTransport)

		if err := w.RecoverActiveJobs(ctx, node); err != nil {
			log.Printf("worker[node=%d]: crash recovery failed: %v", node, err)
		}

		wg.Add(1)
		go func(node int, w *worker.Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("worker[node=%d]: stopped: %v", node, err)
			}
		}(node, w)
	}

	log.Printf("dispatcher listening on :%s, driving %d nodes", cfg.HTTPPort, pool.Size())
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)

	wg.Wait()
}

// nodeAddressTags derives the address_tag each node row is initialized
// with from the configured node addresses; every node beyond the last
// configured address gets the placeholder tag "unconfigured-node".
func nodeAddressTags(cfg config.Config) []string {
	tags := make([]string, cfg.NumNodes)
	for i := range tags {
		if i < len(cfg.NodeAddresses) {
			tags[i] = cfg.NodeAddresses[i]
		} else {
			tags[i] = "unconfigured-node"
		}
	}
	return tags
}
