package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rl1809/inventory-engine/internal/core/domain"
)

// ErrOptimisticLock is returned when a versioned row was changed by another writer.
var ErrOptimisticLock = fmt.Errorf("optimistic lock conflict: %w", domain.ErrVersionConflict)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id                   VARCHAR(64)  NOT NULL PRIMARY KEY,
		name                 VARCHAR(255) NOT NULL DEFAULT '',
		warehouse_id         VARCHAR(64)  NOT NULL,
		allow_negative_stock BOOLEAN      NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS stock_ledger (
		product_id       VARCHAR(64) NOT NULL PRIMARY KEY,
		on_hand          INT         NOT NULL,
		version          BIGINT      NOT NULL DEFAULT 0,
		holds            JSON        NOT NULL,
		next_hold_expiry DATETIME(6) NULL,
		created_at       DATETIME(6) NOT NULL,
		updated_at       DATETIME(6) NOT NULL,
		INDEX idx_next_hold_expiry (next_hold_expiry)
	)`,
	`CREATE TABLE IF NOT EXISTS stock_transactions (
		seq               BIGINT        NOT NULL AUTO_INCREMENT PRIMARY KEY,
		id                CHAR(36)      NOT NULL UNIQUE,
		type              VARCHAR(16)   NOT NULL,
		product_id        VARCHAR(64)   NOT NULL,
		warehouse_id      VARCHAR(64)   NOT NULL,
		quantity_delta    INT           NOT NULL,
		previous_quantity INT           NOT NULL,
		new_quantity      INT           NOT NULL,
		unit_cost         DECIMAL(18,4) NOT NULL DEFAULT 0,
		reference_type    VARCHAR(32)   NOT NULL,
		reference_id      VARCHAR(64)   NOT NULL,
		status            VARCHAR(16)   NOT NULL,
		note              VARCHAR(255)  NOT NULL DEFAULT '',
		created_by        VARCHAR(64)   NOT NULL,
		created_at        DATETIME(6)   NOT NULL,
		INDEX idx_product_seq (product_id, seq),
		INDEX idx_reference (reference_type, reference_id)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id             VARCHAR(64) NOT NULL PRIMARY KEY,
		customer_id    VARCHAR(64) NOT NULL,
		warehouse_id   VARCHAR(64) NOT NULL,
		status         VARCHAR(16) NOT NULL,
		order_lines    JSON        NOT NULL,
		status_history JSON        NOT NULL,
		reservation    JSON        NULL,
		version        BIGINT      NOT NULL DEFAULT 0,
		created_at     DATETIME(6) NOT NULL,
		updated_at     DATETIME(6) NOT NULL,
		INDEX idx_status_created (status, created_at)
	)`,
}

type txKey struct{}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MySQLAdapter stores the ledger, transaction log, orders and catalog.
// Optimistic locking follows one pattern throughout: UPDATE ... WHERE version = ?
// and zero affected rows means another writer won.
type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate creates the tables when missing.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return m.db
}

func inTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*sql.Tx)
	return ok
}

func (m *MySQLAdapter) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *MySQLAdapter) GetEntry(ctx context.Context, productID string) (*domain.LedgerEntry, error) {
	query := `
		SELECT product_id, on_hand, version, holds, created_at, updated_at
		FROM stock_ledger WHERE product_id = ?`
	if inTx(ctx) {
		// a plain read would keep returning the transaction's snapshot on retry
		query += ` FOR UPDATE`
	}

	var (
		entry domain.LedgerEntry
		holds []byte
	)
	err := m.conn(ctx).QueryRowContext(ctx, query, productID).
		Scan(&entry.ProductID, &entry.OnHand, &entry.Version, &holds, &entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger entry %s: %w", productID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}

	if err := json.Unmarshal(holds, &entry.Holds); err != nil {
		return nil, fmt.Errorf("decode holds of %s: %w", productID, err)
	}
	return &entry, nil
}

func encodeHolds(entry domain.LedgerEntry) ([]byte, sql.NullTime, error) {
	holds := entry.Holds
	if holds == nil {
		holds = []domain.TemporaryHold{}
	}
	raw, err := json.Marshal(holds)
	if err != nil {
		return nil, sql.NullTime{}, fmt.Errorf("encode holds of %s: %w", entry.ProductID, err)
	}
	next := entry.NextExpiry()
	return raw, sql.NullTime{Time: next, Valid: !next.IsZero()}, nil
}

func (m *MySQLAdapter) CreateEntry(ctx context.Context, entry domain.LedgerEntry) error {
	holds, next, err := encodeHolds(entry)
	if err != nil {
		return err
	}

	result, err := m.conn(ctx).ExecContext(ctx, `
		INSERT IGNORE INTO stock_ledger (product_id, on_hand, version, holds, next_hold_expiry, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?, ?)`,
		entry.ProductID, entry.OnHand, holds, next, entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOptimisticLock
	}
	return nil
}

func (m *MySQLAdapter) UpdateEntry(ctx context.Context, entry domain.LedgerEntry) error {
	holds, next, err := encodeHolds(entry)
	if err != nil {
		return err
	}

	result, err := m.conn(ctx).ExecContext(ctx, `
		UPDATE stock_ledger
		SET on_hand = ?, holds = ?, next_hold_expiry = ?, version = version + 1, updated_at = ?
		WHERE product_id = ? AND version = ?`,
		entry.OnHand, holds, next, entry.UpdatedAt, entry.ProductID, entry.Version,
	)
	if err != nil {
		return fmt.Errorf("update ledger: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOptimisticLock
	}
	return nil
}

func (m *MySQLAdapter) ListProductIDsWithExpiredHolds(ctx context.Context, now time.Time) ([]string, error) {
	return m.queryIDs(ctx, `
		SELECT product_id FROM stock_ledger
		WHERE next_hold_expiry IS NOT NULL AND next_hold_expiry <= ?
		ORDER BY product_id`, now)
}

func (m *MySQLAdapter) ListProductIDsByHolder(ctx context.Context, holderID string) ([]string, error) {
	return m.queryIDs(ctx, `
		SELECT product_id FROM stock_ledger
		WHERE JSON_CONTAINS(holds, JSON_OBJECT('holderId', ?))
		ORDER BY product_id`, holderID)
}

func (m *MySQLAdapter) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := m.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ledger id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (m *MySQLAdapter) AppendTransaction(ctx context.Context, txn domain.StockTransaction) error {
	_, err := m.conn(ctx).ExecContext(ctx, `
		INSERT INTO stock_transactions (id, type, product_id, warehouse_id, quantity_delta, previous_quantity,
			new_quantity, unit_cost, reference_type, reference_id, status, note, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.Type, txn.ProductID, txn.WarehouseID, txn.QuantityDelta, txn.PreviousQuantity,
		txn.NewQuantity, txn.UnitCost, txn.Reference.Type, txn.Reference.ID, txn.Status, txn.Note,
		txn.CreatedBy, txn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

const selectTransactions = `
	SELECT id, type, product_id, warehouse_id, quantity_delta, previous_quantity, new_quantity,
		unit_cost, reference_type, reference_id, status, note, created_by, created_at
	FROM stock_transactions`

func (m *MySQLAdapter) ListTransactionsByProduct(ctx context.Context, productID string) ([]domain.StockTransaction, error) {
	return m.queryTransactions(ctx, selectTransactions+` WHERE product_id = ? ORDER BY seq`, productID)
}

func (m *MySQLAdapter) ListTransactionsByReference(ctx context.Context, ref domain.Reference) ([]domain.StockTransaction, error) {
	return m.queryTransactions(ctx, selectTransactions+` WHERE reference_type = ? AND reference_id = ? ORDER BY seq`, ref.Type, ref.ID)
}

func (m *MySQLAdapter) queryTransactions(ctx context.Context, query string, args ...any) ([]domain.StockTransaction, error) {
	rows, err := m.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txns []domain.StockTransaction
	for rows.Next() {
		var t domain.StockTransaction
		if err := rows.Scan(&t.ID, &t.Type, &t.ProductID, &t.WarehouseID, &t.QuantityDelta, &t.PreviousQuantity,
			&t.NewQuantity, &t.UnitCost, &t.Reference.Type, &t.Reference.ID, &t.Status, &t.Note,
			&t.CreatedBy, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

type orderDocs struct {
	lines       []byte
	history     []byte
	reservation []byte
}

func encodeOrder(order domain.Order) (orderDocs, error) {
	var (
		docs orderDocs
		err  error
	)
	if docs.lines, err = json.Marshal(order.Lines); err != nil {
		return docs, fmt.Errorf("encode lines: %w", err)
	}
	history := order.StatusHistory
	if history == nil {
		history = []domain.StatusChange{}
	}
	if docs.history, err = json.Marshal(history); err != nil {
		return docs, fmt.Errorf("encode history: %w", err)
	}
	if order.Reservation != nil {
		if docs.reservation, err = json.Marshal(order.Reservation); err != nil {
			return docs, fmt.Errorf("encode reservation: %w", err)
		}
	}
	return docs, nil
}

func (m *MySQLAdapter) CreateOrder(ctx context.Context, order domain.Order) error {
	docs, err := encodeOrder(order)
	if err != nil {
		return err
	}

	_, err = m.conn(ctx).ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, warehouse_id, status, order_lines, status_history, reservation,
			version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		order.ID, order.CustomerID, order.WarehouseID, order.Status, docs.lines, docs.history, docs.reservation,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) UpdateOrder(ctx context.Context, order domain.Order) error {
	docs, err := encodeOrder(order)
	if err != nil {
		return err
	}

	result, err := m.conn(ctx).ExecContext(ctx, `
		UPDATE orders
		SET status = ?, order_lines = ?, status_history = ?, reservation = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		order.Status, docs.lines, docs.history, docs.reservation, order.UpdatedAt, order.ID, order.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOptimisticLock
	}
	return nil
}

const selectOrders = `
	SELECT id, customer_id, warehouse_id, status, order_lines, status_history, reservation, version,
		created_at, updated_at
	FROM orders`

func (m *MySQLAdapter) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	orders, err := m.queryOrders(ctx, selectOrders+` WHERE id = ?`, orderID)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	return &orders[0], nil
}

func (m *MySQLAdapter) ListOrdersByStatus(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	return m.queryOrders(ctx, selectOrders+` WHERE status = ? ORDER BY created_at, id`, status)
}

func (m *MySQLAdapter) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := m.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var (
			o    domain.Order
			docs orderDocs
		)
		if err := rows.Scan(&o.ID, &o.CustomerID, &o.WarehouseID, &o.Status, &docs.lines, &docs.history,
			&docs.reservation, &o.Version, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if err := json.Unmarshal(docs.lines, &o.Lines); err != nil {
			return nil, fmt.Errorf("decode lines of %s: %w", o.ID, err)
		}
		if err := json.Unmarshal(docs.history, &o.StatusHistory); err != nil {
			return nil, fmt.Errorf("decode history of %s: %w", o.ID, err)
		}
		if len(docs.reservation) > 0 {
			o.Reservation = &domain.ReservationInfo{}
			if err := json.Unmarshal(docs.reservation, o.Reservation); err != nil {
				return nil, fmt.Errorf("decode reservation of %s: %w", o.ID, err)
			}
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (m *MySQLAdapter) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	err := m.conn(ctx).QueryRowContext(ctx, `
		SELECT id, name, warehouse_id, allow_negative_stock
		FROM products WHERE id = ?`, productID,
	).Scan(&p.ID, &p.Name, &p.WarehouseID, &p.AllowNegativeStock)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &p, nil
}

func (m *MySQLAdapter) SaveProduct(ctx context.Context, p domain.Product) error {
	_, err := m.conn(ctx).ExecContext(ctx, `
		INSERT INTO products (id, name, warehouse_id, allow_negative_stock) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name), warehouse_id = VALUES(warehouse_id),
			allow_negative_stock = VALUES(allow_negative_stock)`,
		p.ID, p.Name, p.WarehouseID, p.AllowNegativeStock,
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}
