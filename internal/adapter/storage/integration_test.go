package storage_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/inventory-engine/internal/adapter/storage"
	"github.com/rl1809/inventory-engine/internal/core/domain"
	"github.com/rl1809/inventory-engine/internal/core/service"
	"github.com/rl1809/inventory-engine/internal/port"
)

type testEnv struct {
	redis   *redis.Client
	mysql   *sql.DB
	cache   *storage.RedisAdapter
	db      *storage.MySQLAdapter
	cleanup func()
}

func setupTestEnv(t *testing.T) *testEnv {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/inventory?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		rdb.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		rdb.Close()
		t.Skipf("MySQL not available: %v", err)
	}

	adapter := storage.NewMySQLAdapter(db)
	if err := adapter.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	return &testEnv{
		redis: rdb,
		mysql: db,
		cache: storage.NewRedisAdapter(rdb),
		db:    adapter,
		cleanup: func() {
			rdb.Close()
			db.Close()
		},
	}
}

// failingLog fails every append while armed.
type failingLog struct {
	port.TransactionRepository
	armed atomic.Bool
}

func (f *failingLog) AppendTransaction(ctx context.Context, txn domain.StockTransaction) error {
	if f.armed.Load() {
		return errors.New("log unavailable")
	}
	return f.TransactionRepository.AppendTransaction(ctx, txn)
}

func (env *testEnv) engine(log port.TransactionRepository) *service.Engine {
	if log == nil {
		log = env.db
	}
	e := service.NewEngine(service.Stores{
		Ledger:       env.db,
		Transactions: log,
		Orders:       env.db,
		Balances:     storage.NewMemoryStore(),
		Catalog:      env.db,
		Cache:        env.cache,
		Tx:           env.db,
	}, service.EngineConfig{MaxRetries: 100, Transactional: true})
	return e
}

func (env *testEnv) stockProduct(t *testing.T, e *service.Engine, qty int) string {
	t.Helper()
	ctx := context.Background()
	productID := "it-" + uuid.NewString()[:8]
	if err := env.db.SaveProduct(ctx, domain.Product{ID: productID, Name: productID, WarehouseID: "wh-it"}); err != nil {
		t.Fatalf("save product: %v", err)
	}
	if _, err := e.Coordinator.ReceiveStock(ctx, productID, qty, decimal.NewFromInt(3), domain.Reference{}, "it"); err != nil {
		t.Fatalf("receive: %v", err)
	}
	return productID
}

func TestIntegration_ConcurrentOrdersNeverOversell(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	e := env.engine(nil)
	defer e.Bus.Close()
	initialStock := 10
	productID := env.stockProduct(t, e, initialStock)

	var processing, backordered, failed atomic.Int32
	var wg sync.WaitGroup
	totalRequests := 20
	prefix := uuid.NewString()[:8]

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orderID := fmt.Sprintf("%s-%d", prefix, i)
			items := []domain.LineItem{{ProductID: productID, Quantity: 1}}
			if _, err := e.Orders.Create(ctx, orderID, "user", "", items, "it"); err != nil {
				failed.Add(1)
				return
			}
			order, err := e.Orders.Confirm(ctx, orderID, "it", "")
			switch {
			case err != nil:
				failed.Add(1)
			case order.Status == domain.OrderStatusProcessing:
				processing.Add(1)
			case order.Status == domain.OrderStatusBackordered:
				backordered.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if failed.Load() != 0 {
		t.Errorf("expected no failed orders, got %d", failed.Load())
	}
	if processing.Load() != int32(initialStock) {
		t.Errorf("expected %d processing orders, got %d", initialStock, processing.Load())
	}
	if backordered.Load() != int32(totalRequests-initialStock) {
		t.Errorf("expected %d backordered orders, got %d", totalRequests-initialStock, backordered.Load())
	}

	entry, err := e.Ledger.Get(ctx, productID)
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	if entry.OnHand != 0 {
		t.Errorf("expected on-hand 0, got %d", entry.OnHand)
	}
	txns, err := e.Log.ListByProduct(ctx, productID)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if replayed := domain.ReplayOnHand(txns); replayed != entry.OnHand {
		t.Errorf("replayed %d, ledger says %d", replayed, entry.OnHand)
	}
}

func TestIntegration_RollbackWhenLogFails(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	log := &failingLog{TransactionRepository: env.db}
	e := env.engine(log)
	defer e.Bus.Close()
	initialStock := 5
	productID := env.stockProduct(t, e, initialStock)

	log.armed.Store(true)
	_, err := e.Coordinator.Reserve(ctx, "rollback-"+productID, []domain.LineItem{{ProductID: productID, Quantity: 2}}, "", "it")
	if err == nil {
		t.Fatal("expected reserve to fail")
	}
	log.armed.Store(false)

	entry, err := e.Ledger.Get(ctx, productID)
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	if entry.OnHand != initialStock {
		t.Errorf("expected on-hand %d after rollback, got %d", initialStock, entry.OnHand)
	}
}

func TestIntegration_IdempotencyPreventsDoubleHold(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	e := env.engine(nil)
	defer e.Bus.Close()
	productID := env.stockProduct(t, e, 10)
	requestID := "same-request-id-" + uuid.NewString()

	if _, err := e.Holds.HoldOnce(ctx, requestID, "cart-1", productID, 3); err != nil {
		t.Fatalf("first hold failed: %v", err)
	}
	if _, err := e.Holds.HoldOnce(ctx, requestID, "cart-2", productID, 3); !errors.Is(err, domain.ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got: %v", err)
	}

	avail, err := e.Holds.Available(ctx, productID)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if avail != 7 {
		t.Errorf("expected 7 available, got %d", avail)
	}
}
