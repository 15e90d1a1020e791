// Command coordinator runs the marketplace fulfillment saga coordinator:
// it binds the transport's front-end endpoint, recovers any saga left
// behind by a prior crash, then drains a stream of orders read from
// stdin (one JSON object per line) through the order pipeline until
// stdin closes or it is interrupted.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiebiao/fulfillment/internal/domain/order"
	"github.com/xiebiao/fulfillment/internal/orchestrator"
	"github.com/xiebiao/fulfillment/internal/pipeline"
	"github.com/xiebiao/fulfillment/internal/platform/config"
	"github.com/xiebiao/fulfillment/internal/platform/logx"
	"github.com/xiebiao/fulfillment/pkg/ledger"
	"github.com/xiebiao/fulfillment/pkg/metrics"
	"github.com/xiebiao/fulfillment/pkg/mq"
	"github.com/xiebiao/fulfillment/pkg/sagastore"
	"github.com/xiebiao/fulfillment/pkg/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "./config/coordinator.yaml", "path to coordinator config YAML")
	flag.Parse()

	log := logx.Default("coordinator")

	cfg, err := config.LoadCoordinator(*configPath)
	if err != nil {
		log.Error("failed to load config: %v", err)
		return 1
	}

	metrics.InitMetrics()

	store := sagastore.New(cfg.Saga.State.Directory, log.With("sagastore"))

	router := transport.NewRouter(cfg.Marketplace.ID, log.With("router"))
	listenErrCh := make(chan error, 1)
	go func() {
		listenErrCh <- router.Listen(fmt.Sprintf(":%d", cfg.Marketplace.Router.Port))
	}()

	var ledgerStore *ledger.Ledger
	if cfg.Ledger.Enabled {
		ledgerStore, err = ledger.Open(cfg.Ledger.Driver, cfg.Ledger.DSN, log.With("ledger"))
		if err != nil {
			log.Error("failed to open saga outcome ledger: %v", err)
			return 1
		}
		defer ledgerStore.Close()
	}

	var publisher *mq.Publisher
	if cfg.MQ.Enabled {
		publisher, err = mq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange, log.With("mq"))
		if err != nil {
			log.Error("failed to connect to order-outcome exchange: %v", err)
			return 1
		}
		defer publisher.Close()
	}

	orchCfg := orchestrator.Config{
		SelfID:         cfg.Marketplace.ID,
		RequestTimeout: cfg.RequestTimeout(),
		PhaseTimeout:   2 * cfg.RequestTimeout(),
		SagaTimeout:    cfg.SagaTimeout(),
	}
	orchCfg.Retry.MaxAttempts = cfg.Retry.Max.Attempts
	orchCfg.Retry.BaseDelay = time.Duration(cfg.Retry.Base.Delay.MS) * time.Millisecond
	orchCfg.Retry.MaxDelay = time.Duration(cfg.Retry.Max.Delay.MS) * time.Millisecond
	orchCfg.Retry.Multiplier = cfg.Retry.Backoff.Multiplier
	orchCfg.Retry.JitterStdDev = 0.10
	orchCfg.Breaker.FailureThreshold = uint32(cfg.Breaker.FailureThreshold)
	orchCfg.Breaker.SuccessThreshold = uint32(cfg.Breaker.SuccessThreshold)
	orchCfg.Breaker.OpenTimeout = time.Duration(cfg.Breaker.OpenTimeout.MS) * time.Millisecond

	orch := orchestrator.New(orchCfg, router, store, ledgerStore, log.With("orchestrator"))

	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := orch.Recover(recoverCtx); err != nil {
		log.Error("saga recovery scan failed: %v", err)
	}
	recoverCancel()

	stop := make(chan struct{})
	go store.RunPeriodicFlush(10*time.Second, stop)

	if cfg.Metrics.Port > 0 {
		go serveMetrics(cfg.Metrics.Port, log)
	}

	pl := pipeline.New(orch, cfg.Saga.Processing.Threads, cfg.OrderDelay(), publisher, log.With("pipeline"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orders := make(chan *order.Order)
	outcomes := make(chan pipeline.Outcome)

	go readOrders(os.Stdin, orders, log)

	done := make(chan struct{})
	go func() {
		pl.Process(ctx, orders, outcomes)
		close(done)
	}()

	go func() {
		for outcome := range outcomes {
			if outcome.Err != nil {
				log.Warn("order %q finished %s: %v", outcome.OrderID, outcome.Status, outcome.Err)
			} else {
				log.Success("order %q finished %s", outcome.OrderID, outcome.Status)
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-done:
		log.Success("all orders attempted; shutting down")
	case <-sig:
		log.Warn("interrupt received; draining in-flight orders")
		pl.Shutdown(30 * time.Second)
		cancel()
		<-done
	case err := <-listenErrCh:
		log.Error("transport listener stopped: %v", err)
		cancel()
		return 1
	}

	close(stop)
	_ = router.Close()
	return 0
}

// readOrders parses newline-delimited JSON order objects from r and
// feeds them to out. Malformed lines are skipped with a warning;
// anything stricter belongs to the order supplier, not here.
func readOrders(r io.Reader, out chan<- *order.Order, log *logx.Logger) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var payload struct {
			OrderID    string `json:"orderId"`
			CustomerID string `json:"customerId"`
			Items      []struct {
				ProductID string `json:"productId"`
				SellerID  string `json:"sellerId"`
				Quantity  int    `json:"quantity"`
			} `json:"items"`
		}
		if err := json.Unmarshal(line, &payload); err != nil {
			log.Warn("skipping malformed order input line: %v", err)
			continue
		}

		items := make([]order.Item, 0, len(payload.Items))
		for _, it := range payload.Items {
			items = append(items, order.Item{ProductID: it.ProductID, SellerID: it.SellerID, Quantity: it.Quantity})
		}
		out <- order.New(payload.OrderID, payload.CustomerID, "", items)
	}
	if err := scanner.Err(); err != nil {
		log.Warn("order input stream ended with error: %v", err)
	}
}

func serveMetrics(port int, log *logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	log.Success("metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Warn("metrics server stopped: %v", err)
	}
}
