package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/inventory-engine/internal/adapter/storage"
	"github.com/rl1809/inventory-engine/internal/core/domain"
	"github.com/rl1809/inventory-engine/internal/core/service"
	"github.com/rl1809/inventory-engine/internal/pkg/logger"
)

const (
	warehouseID   = "wh-stress"
	orderItemID   = "stress-order-item"
	holdItemID    = "stress-hold-item"
	initialStock  = 20
	totalRequests = 50
	maxRetries    = 100
)

type counters struct {
	ok, backordered, rejected, failed atomic.Int32
}

func main() {
	logger.Init("stress-test", "error", true)
	ctx := context.Background()

	store := storage.NewMemoryStore()
	engine := service.NewEngine(service.Stores{
		Ledger:       store,
		Transactions: store,
		Orders:       store,
		Balances:     store,
		Catalog:      store,
		Cache:        store,
		Tx:           store,
	}, service.EngineConfig{MaxRetries: maxRetries, Transactional: true})
	engine.Bus.Subscribe("balance", engine.Projector.HandleEvent)
	engine.Bus.Start(4, 1024)
	defer engine.Bus.Close()

	for _, id := range []string{orderItemID, holdItemID} {
		if err := store.SaveProduct(ctx, domain.Product{ID: id, Name: id, WarehouseID: warehouseID}); err != nil {
			fail("failed to save product: %v", err)
		}
		if _, err := engine.Coordinator.ReceiveStock(ctx, id, initialStock, decimal.NewFromInt(10), domain.Reference{}, "stress"); err != nil {
			fail("failed to stock %s: %v", id, err)
		}
	}

	holds := run(func(i int) error {
		_, err := engine.Holds.HoldOnce(ctx, fmt.Sprintf("req-%d", i), fmt.Sprintf("cart-%d", i), holdItemID, 1)
		return err
	}, nil)

	orders := run(func(i int) error {
		orderID := fmt.Sprintf("order-%d", i)
		items := []domain.LineItem{{ProductID: orderItemID, Quantity: 1}}
		if _, err := engine.Orders.Create(ctx, orderID, fmt.Sprintf("user-%d", i), warehouseID, items, "stress"); err != nil {
			return err
		}
		_, err := engine.Orders.Confirm(ctx, orderID, "stress", "")
		return err
	}, func(i int) bool {
		order, err := engine.Orders.Get(ctx, fmt.Sprintf("order-%d", i))
		return err == nil && order.Status == domain.OrderStatusBackordered
	})

	ok := true
	ok = report("HOLDS", holds.ok.Load(), holds.rejected.Load(), holds.failed.Load(), 0) && ok
	ok = check(engine, holdItemID, initialStock, int(holds.ok.Load())) && ok
	ok = report("ORDERS", orders.ok.Load(), orders.rejected.Load(), orders.failed.Load(), orders.backordered.Load()) && ok
	ok = check(engine, orderItemID, 0, 0) && ok

	if !ok {
		os.Exit(1)
	}
}

// run fires totalRequests concurrent calls. backordered, when set, reclassifies successes.
func run(call func(i int) error, backordered func(i int) bool) *counters {
	var c counters
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := call(i)
			switch {
			case err == nil && backordered != nil && backordered(i):
				c.backordered.Add(1)
			case err == nil:
				c.ok.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				c.rejected.Add(1)
			default:
				c.failed.Add(1)
				fmt.Printf("request %d failed: %v\n", i, err)
			}
		}(i)
	}
	wg.Wait()
	fmt.Printf("Duration:         %v\n", time.Since(start))
	return &c
}

func report(name string, ok, rejected, failed, backordered int32) bool {
	fmt.Printf("========== %s ==========\n", name)
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", ok)
	fmt.Printf("Backordered:      %d\n", backordered)
	fmt.Printf("Rejected:         %d\n", rejected)
	fmt.Printf("Failed:           %d\n", failed)

	if ok == initialStock && ok+rejected+backordered == totalRequests {
		fmt.Printf("PASS: exactly %d requests got stock\n", initialStock)
		return true
	}
	fmt.Printf("FAIL: expected %d successes out of %d, got %d\n", initialStock, totalRequests, ok)
	return false
}

// check verifies the ledger against the log: never oversold, and replaying the
// transactions reproduces on-hand.
func check(engine *service.Engine, productID string, wantOnHand, wantHeld int) bool {
	ctx := context.Background()
	entry, err := engine.Ledger.Get(ctx, productID)
	if err != nil {
		fail("failed to read ledger: %v", err)
	}
	txns, err := engine.Log.ListByProduct(ctx, productID)
	if err != nil {
		fail("failed to read log: %v", err)
	}
	held := entry.HeldQuantity(time.Now())
	replayed := domain.ReplayOnHand(txns)
	fmt.Printf("Final On-Hand:    %d (replayed %d, held %d)\n", entry.OnHand, replayed, held)

	if entry.OnHand == wantOnHand && replayed == entry.OnHand && held == wantHeld && entry.Available(time.Now()) >= 0 {
		fmt.Println("PASS: no oversell, ledger matches log")
		return true
	}
	fmt.Printf("FAIL: expected on-hand %d held %d\n", wantOnHand, wantHeld)
	return false
}

func fail(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}
