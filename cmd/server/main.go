/*
main.go - application entry point

PURPOSE:
  Initializes and starts the lease engine: wires the SQLite store, the
  event bus, the retry dispatcher, the lifecycle coordinator, the
  payment executor, and the lease service, then serves the operational
  HTTP surface (api/server.go) and runs an idempotency GC ticker in the
  background. Handles configuration, dependency injection, and graceful
  shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Wire the event bus, dispatcher, locks, persister, gateway,
     lifecycle coordinator, payment executor, and service. The service
     is intentionally not routed: the binary serves ops endpoints only,
     and the create/pay/payoff flows are driven by embedding callers
     and tests.
  4. Start the idempotency GC ticker
  5. Configure the HTTP router and start the server with graceful
     shutdown

COMMAND-LINE FLAGS:
  -port                   HTTP server port (default: 8080)
  -db                     SQLite database path (default: lease.db)
                          Use ":memory:" for an in-memory database
  -gateway-success-rate   StubGateway charge success probability (default: 0.85)
  -retry-workers          Dispatcher worker concurrency (default: 4)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Wait for in-flight dispatched retries to finish
  4. Close the database connection
  5. Exit
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/lease-engine/api"
	"github.com/warp/lease-engine/core"
	"github.com/warp/lease-engine/lease"
	"github.com/warp/lease-engine/store/sqlite"
)

// idempotencyGCInterval is how often the background sweep deletes
// expired idempotency records.
const idempotencyGCInterval = 10 * time.Minute

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "lease.db", "SQLite database path")
	gatewaySuccessRate := flag.Float64("gateway-success-rate", 0.85, "stub payment gateway success probability, in [0,1]")
	retryWorkers := flag.Int("retry-workers", 4, "retry dispatcher worker concurrency")
	flag.Parse()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	bus := core.NewBus()
	dispatcher := core.NewDispatcher(*retryWorkers)
	locks := lease.NewKeyedMutex()
	persister := lease.NewEventPersister(bus)
	gateway := lease.NewStubGateway(*gatewaySuccessRate, time.Now().UnixNano())
	idem := core.NewIdempotencyStore(store)

	coordinator := lease.NewLifecycleCoordinator(store, persister, locks)
	executor := lease.NewPaymentExecutor(store, persister, gateway, dispatcher, coordinator, locks)
	service := lease.NewService(store, persister, idem, executor, locks)
	_ = service // wired for programmatic callers; no business HTTP routes are exposed

	gcCtx, gcCancel := context.WithCancel(context.Background())
	go runIdempotencyGC(gcCtx, idem)
	defer gcCancel()

	handler := api.NewHandler(store, bus)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("lease engine starting on http://localhost:%d", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	dispatcher.Wait()
	log.Println("Server stopped")
}

// runIdempotencyGC sweeps expired idempotency records on a fixed
// interval until ctx is cancelled. The ticker lives here, not in the
// store, so tests and embedding callers control when sweeps run.
func runIdempotencyGC(ctx context.Context, idem *core.IdempotencyStore) {
	ticker := time.NewTicker(idempotencyGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := idem.CollectExpired(ctx)
			if err != nil {
				log.Printf("idempotency GC sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("idempotency GC sweep removed %d expired record(s)", n)
			}
		}
	}
}
