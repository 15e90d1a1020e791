// Command seller runs one reference seller participant: it dials the
// marketplace coordinator's transport endpoint, serves RESERVE/CONFIRM/
// CANCEL requests against an in-memory stock ledger, and sweeps expired
// reservations on a fixed interval, until interrupted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xiebiao/fulfillment/internal/platform/config"
	"github.com/xiebiao/fulfillment/internal/platform/logx"
	"github.com/xiebiao/fulfillment/internal/seller"
	"github.com/xiebiao/fulfillment/pkg/idempotency"
	"github.com/xiebiao/fulfillment/pkg/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "./config/seller.yaml", "path to seller config YAML")
	stockPath := flag.String("stock", "./config/stock.json", "path to initial stock JSON (productId -> quantity)")
	flag.Parse()

	log := logx.Default("seller")

	cfg, err := config.LoadSeller(*configPath)
	if err != nil {
		log.Error("failed to load config: %v", err)
		return 1
	}

	initialStock, err := loadStock(*stockPath)
	if err != nil {
		log.Error("failed to load initial stock: %v", err)
		return 1
	}

	var idem idempotency.Store
	var memIdem *idempotency.MemStore
	switch cfg.Idempotency.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Idempotency.Redis.Addr})
		idem = idempotency.NewRedisStore(rdb, cfg.Identity.SellerID)
	default:
		memIdem = idempotency.NewMemStore(100000)
		idem = memIdem
	}

	participant := seller.New(
		cfg.Identity.SellerID,
		initialStock,
		cfg.ReservationTimeout(),
		idem,
		cfg.IdempotencyRetention(),
		log.With("participant"),
	)

	client := transport.NewClient(cfg.Identity.SellerID, cfg.Identity.Coordinator.Addr, 30*time.Second, participant.Handle, log.With("client"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go participant.RunExpirySweeper(ctx, cfg.CleanupInterval())
	if memIdem != nil {
		go runIdemSweep(ctx, memIdem, cfg.IdempotencyRetention())
	}

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- client.Run(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		log.Warn("interrupt received; shutting down")
		cancel()
		client.Close()
	case err := <-runErrCh:
		if err != nil {
			log.Error("connection to coordinator ended: %v", err)
			cancel()
			return 1
		}
	}

	return 0
}

// runIdemSweep periodically evicts idempotency records older than the
// retention window. Only the in-process store needs this; Redis expires
// its keys by TTL.
func runIdemSweep(ctx context.Context, store *idempotency.MemStore, retention time.Duration) {
	ticker := time.NewTicker(retention / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			store.Sweep(retention)
		case <-ctx.Done():
			return
		}
	}
}

func loadStock(path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stock file: %w", err)
	}
	var stock map[string]int
	if err := json.Unmarshal(data, &stock); err != nil {
		return nil, fmt.Errorf("parse stock file: %w", err)
	}
	return stock, nil
}
