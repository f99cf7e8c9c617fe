package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/pair-rebalancer/internal/entity"
)

var (
	ErrMissingExternalID = errors.New("order has no external id")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrPersistence       = errors.New("order ledger persistence failure")
)

// PersistenceError marks a failure of the ledger's backing store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("order ledger %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func IsPersistenceError(err error) bool {
	var target *PersistenceError
	return errors.As(err, &target)
}

const defaultRecentOrdersLimit = 20

var orderColumns = []string{
	"ticker",
	"order_type",
	"external_id",
	"price",
	"amount",
	"status",
	"created_at",
}

var postgresOrderSchema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id BIGSERIAL PRIMARY KEY,
		ticker VARCHAR(32) NOT NULL,
		order_type VARCHAR(8) NOT NULL,
		external_id VARCHAR(64),
		price NUMERIC(30, 8) NOT NULL,
		amount NUMERIC(30, 8) NOT NULL,
		status VARCHAR(16) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_external_id ON orders (external_id)`,
}

// sqlite keeps decimals as TEXT so nothing is coerced to REAL.
var sqliteOrderSchema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticker TEXT NOT NULL,
		order_type TEXT NOT NULL,
		external_id TEXT,
		price TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_external_id ON orders (external_id)`,
}

// OrderRepository is the order ledger: an append-only audit log of every
// submitted order whose only mutable column is status. Every method is one
// short statement or transaction, so callers never share a handle or a lock.
type OrderRepository struct {
	db      *sqlx.DB
	builder sq.StatementBuilderType
	schema  []string
}

func NewOrderRepository(db *sqlx.DB) *OrderRepository {
	repo := &OrderRepository{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		schema:  postgresOrderSchema,
	}

	if strings.HasPrefix(db.DriverName(), "sqlite") {
		repo.builder = sq.StatementBuilder.PlaceholderFormat(sq.Question)
		repo.schema = sqliteOrderSchema
	}

	return repo
}

// Initialize creates the orders table and its indexes when missing.
func (r *OrderRepository) Initialize(ctx context.Context) error {
	for _, statement := range r.schema {
		if _, err := r.db.ExecContext(ctx, statement); err != nil {
			return &PersistenceError{Op: "initialize", Err: err}
		}
	}

	return nil
}

// Append inserts order with status requested. It never touches existing rows.
func (r *OrderRepository) Append(ctx context.Context, order *entity.Order) error {
	if err := prepareOrder(order, time.Now().UTC()); err != nil {
		return err
	}

	id, err := r.insert(ctx, r.db, order)
	if err != nil {
		return &PersistenceError{Op: "append", Err: err}
	}
	order.ID = id

	return nil
}

// AppendPair inserts both legs of a rebalance cycle in one transaction.
func (r *OrderRepository) AppendPair(ctx context.Context, sell, buy *entity.Order) (err error) {
	now := time.Now().UTC()
	if err := prepareOrder(sell, now); err != nil {
		return err
	}
	if err := prepareOrder(buy, now); err != nil {
		return err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "append pair", Err: err}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	sellID, err := r.insert(ctx, tx, sell)
	if err != nil {
		return &PersistenceError{Op: "append pair", Err: err}
	}

	buyID, err := r.insert(ctx, tx, buy)
	if err != nil {
		return &PersistenceError{Op: "append pair", Err: err}
	}

	if err = tx.Commit(); err != nil {
		return &PersistenceError{Op: "append pair", Err: err}
	}

	sell.ID = sellID
	buy.ID = buyID

	return nil
}

// ListPending returns every non-terminal order, oldest first.
func (r *OrderRepository) ListPending(ctx context.Context) ([]entity.Order, error) {
	queryBuilder := r.builder.
		Select("*").
		From(entity.Order{}.TableName()).
		Where(sq.NotEq{"status": terminalStatuses()}).
		OrderBy("created_at asc", "id asc")

	orders, err := r.selectOrders(ctx, queryBuilder)
	if err != nil {
		return nil, &PersistenceError{Op: "list pending", Err: err}
	}

	return orders, nil
}

// ListRecent returns the newest limit orders regardless of status, newest first.
func (r *OrderRepository) ListRecent(ctx context.Context, limit int) ([]entity.Order, error) {
	if limit <= 0 {
		limit = defaultRecentOrdersLimit
	}

	queryBuilder := r.builder.
		Select("*").
		From(entity.Order{}.TableName()).
		OrderBy("created_at desc", "id desc").
		Limit(uint64(limit))

	orders, err := r.selectOrders(ctx, queryBuilder)
	if err != nil {
		return nil, &PersistenceError{Op: "list recent", Err: err}
	}

	return orders, nil
}

// UpdateStatus sets the status of the row keyed by externalID. Terminal rows
// are left untouched and an unknown id is not an error.
func (r *OrderRepository) UpdateStatus(ctx context.Context, externalID string, status entity.OrderStatus) error {
	if strings.TrimSpace(externalID) == "" {
		return ErrMissingExternalID
	}
	if status == entity.OrderStatusRequested {
		return fmt.Errorf("%w: status cannot move back to %s", ErrInvalidOrder, status)
	}

	queryBuilder := r.builder.
		Update(entity.Order{}.TableName()).
		Set("status", status).
		Where(sq.Eq{"external_id": externalID}).
		Where(sq.NotEq{"status": terminalStatuses()})

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return &PersistenceError{Op: "update status", Err: err}
	}

	return nil
}

func (r *OrderRepository) insert(ctx context.Context, q sqlx.QueryerContext, order *entity.Order) (int64, error) {
	queryBuilder := r.builder.
		Insert(order.TableName()).
		Columns(orderColumns...).
		Values(
			order.Ticker,
			order.Side,
			order.ExternalID,
			order.Price,
			order.Amount,
			order.Status,
			order.CreatedAt,
		).
		Suffix("RETURNING id")

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return 0, err
	}

	var id int64
	if err := q.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}

	return id, nil
}

func (r *OrderRepository) selectOrders(ctx context.Context, queryBuilder sq.SelectBuilder) ([]entity.Order, error) {
	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	orders := make([]entity.Order, 0)
	if err := r.db.SelectContext(ctx, &orders, query, args...); err != nil {
		return nil, err
	}

	return orders, nil
}

func prepareOrder(order *entity.Order, now time.Time) error {
	if order == nil {
		return fmt.Errorf("%w: nil order", ErrInvalidOrder)
	}
	if !order.ExternalID.Valid || strings.TrimSpace(order.ExternalID.String) == "" {
		return ErrMissingExternalID
	}
	if strings.TrimSpace(order.Ticker) == "" {
		return fmt.Errorf("%w: ticker is empty", ErrInvalidOrder)
	}
	if order.Side != entity.OrderSideSell && order.Side != entity.OrderSideBuy {
		return fmt.Errorf("%w: unsupported side %q", ErrInvalidOrder, order.Side)
	}
	if !order.Price.IsPositive() || !order.Amount.IsPositive() {
		return fmt.Errorf("%w: price and amount must be positive", ErrInvalidOrder)
	}

	order.Status = entity.OrderStatusRequested
	order.Amount = entity.RoundAmount(order.Amount)
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}

	return nil
}

func terminalStatuses() []string {
	terminal := entity.TerminalOrderStatuses()
	statuses := make([]string, 0, len(terminal))
	for _, status := range terminal {
		statuses = append(statuses, string(status))
	}
	return statuses
}
