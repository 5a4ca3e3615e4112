// Package sqlite implements the persistence ports on a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"breakoutBot/internal/domain"
	"breakoutBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.PositionRepository, ports.TradeRepository and
// ports.PlanRepository using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository opens the database, verifies the connection and ensures the
// schema exists.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/breakout_bot.db"
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
			cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
			return nil, err
		}
	}

	// WAL mode for better concurrency between the exit engine ticker and
	// the plan audit writes.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	cfg.Logger.Info(context.Background(), "SQLite database ready", map[string]interface{}{"path": dbPath})
	return repo, nil
}

// initializeSchema creates tables if they don't exist. The UNIQUE constraint
// on closed_trades.position_id is what makes AppendClosed idempotent under
// retry.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		entry_price REAL NOT NULL,
		quantity INTEGER NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		floor_stop REAL NOT NULL,
		effective_stop REAL NOT NULL,
		tier TEXT NOT NULL,
		breakeven_armed INTEGER NOT NULL DEFAULT 0,
		trailing_armed INTEGER NOT NULL DEFAULT 0,
		peak_price REAL NOT NULL,
		peak_time TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		exit_price REAL DEFAULT NULL,
		exit_time TIMESTAMP DEFAULT NULL,
		exit_reason TEXT DEFAULT NULL,
		exhaustion_since TIMESTAMP DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS closed_trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id INTEGER NOT NULL UNIQUE,
		symbol TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		quantity INTEGER NOT NULL,
		pnl REAL NOT NULL,
		pnl_percent REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP NOT NULL,
		reason TEXT NOT NULL,
		holding_seconds INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS allocation_plans (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		capital_budget REAL NOT NULL,
		target_fraction REAL NOT NULL,
		total_value REAL NOT NULL,
		position_count INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS allocation_items (
		plan_id TEXT NOT NULL,
		rank INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		price REAL NOT NULL,
		target_value REAL NOT NULL,
		shares INTEGER NOT NULL,
		value REAL NOT NULL,
		capped_position INTEGER NOT NULL,
		capped_liquidity INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status);
	CREATE INDEX IF NOT EXISTS idx_closed_trades_symbol ON closed_trades (symbol, entry_time);
	CREATE INDEX IF NOT EXISTS idx_allocation_items_plan ON allocation_items (plan_id);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- PositionRepository ---

// Create saves a newly opened position and returns its assigned ID.
func (r *Repository) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	const query = `
	INSERT INTO positions (symbol, entry_price, quantity, entry_time, floor_stop, effective_stop,
	                       tier, breakeven_armed, trailing_armed, peak_price, peak_time, status)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		pos.Symbol, pos.EntryPrice, pos.Quantity, pos.EntryTime, pos.FloorStop, pos.EffectiveStop,
		string(pos.Tier), pos.BreakevenArmed, pos.TrailingArmed, pos.PeakPrice, pos.PeakTime, pos.Status)
	if err != nil {
		return 0, fmt.Errorf("failed to insert position for symbol %s: %w", pos.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position %s: %w", pos.Symbol, err)
	}
	pos.ID = id
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": id, "symbol": pos.Symbol})
	return id, nil
}

// Update persists the current state of a position by ID.
func (r *Repository) Update(ctx context.Context, pos *domain.Position) error {
	const query = `
	UPDATE positions
	SET effective_stop = ?, breakeven_armed = ?, trailing_armed = ?,
	    peak_price = ?, peak_time = ?, status = ?, exhaustion_since = ?
	WHERE id = ?`

	var exhaustion sql.NullTime
	if !pos.ExhaustionSince.IsZero() {
		exhaustion = sql.NullTime{Time: pos.ExhaustionSince, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		pos.EffectiveStop, pos.BreakevenArmed, pos.TrailingArmed,
		pos.PeakPrice, pos.PeakTime, pos.Status, exhaustion,
		pos.ID)
	if err != nil {
		return fmt.Errorf("failed to update position ID %d: %w", pos.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for update position ID %d: %w", pos.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("position ID %d not found for update: %w", pos.ID, ports.ErrNotFound)
	}
	return nil
}

// MarkClosed records the terminal transition for a position.
func (r *Repository) MarkClosed(ctx context.Context, pos *domain.Position) error {
	const query = `
	UPDATE positions
	SET status = ?, exit_price = ?, exit_time = ?, exit_reason = ?, effective_stop = ?
	WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		domain.StatusClosed, pos.ExitPrice, pos.ExitTime, string(pos.ExitReason), pos.EffectiveStop, pos.ID)
	if err != nil {
		return fmt.Errorf("failed to mark position ID %d closed: %w", pos.ID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for close of position ID %d: %w", pos.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("position ID %d not found for close: %w", pos.ID, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Position marked closed", map[string]interface{}{
		"positionID": pos.ID, "symbol": pos.Symbol, "reason": string(pos.ExitReason),
	})
	return nil
}

// OpenPositions returns all currently open positions, oldest entry first.
func (r *Repository) OpenPositions(ctx context.Context) ([]*domain.Position, error) {
	const query = `
	SELECT id, symbol, entry_price, quantity, entry_time, floor_stop, effective_stop,
	       tier, breakeven_armed, trailing_armed, peak_price, peak_time, status,
	       COALESCE(exit_price, 0), exit_time, exit_reason, exhaustion_since
	FROM positions
	WHERE status = ?
	ORDER BY entry_time ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, domain.StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position during OpenPositions: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// FindByID retrieves a position by its unique ID. Returns nil, nil when the
// position does not exist.
func (r *Repository) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	const query = `
	SELECT id, symbol, entry_price, quantity, entry_time, floor_stop, effective_stop,
	       tier, breakeven_armed, trailing_armed, peak_price, peak_time, status,
	       COALESCE(exit_price, 0), exit_time, exit_reason, exhaustion_since
	FROM positions
	WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query position by ID %d: %w", id, err)
	}
	return pos, nil
}

// --- TradeRepository ---

// AppendClosed saves a closed-trade record. A second append for the same
// position returns the existing record's ID without duplicating anything.
func (r *Repository) AppendClosed(ctx context.Context, trade *domain.ClosedTrade) (int64, error) {
	const query = `
	INSERT INTO closed_trades (position_id, symbol, entry_price, exit_price, quantity,
	                           pnl, pnl_percent, entry_time, exit_time, reason, holding_seconds)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(position_id) DO NOTHING`

	result, err := r.db.ExecContext(ctx, query,
		trade.PositionID, trade.Symbol, trade.EntryPrice, trade.ExitPrice, trade.Quantity,
		trade.PNL, trade.PNLPercent, trade.EntryTime, trade.ExitTime, string(trade.Reason),
		int64(trade.HoldingTime.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to insert closed trade for symbol %s: %w", trade.Symbol, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected for closed trade %s: %w", trade.Symbol, err)
	}
	if rowsAffected == 0 {
		// Retried append: look up the record written the first time.
		existing, err := r.FindByPositionID(ctx, trade.PositionID)
		if err != nil {
			return 0, err
		}
		if existing == nil {
			return 0, fmt.Errorf("closed trade for position %d vanished after conflict", trade.PositionID)
		}
		trade.ID = existing.ID
		return existing.ID, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for closed trade %s: %w", trade.Symbol, err)
	}
	trade.ID = id
	r.logger.Debug(ctx, "Closed trade recorded", map[string]interface{}{
		"tradeID": id, "symbol": trade.Symbol, "pnl": trade.PNL,
	})
	return id, nil
}

// FindBySymbol retrieves the most recent closed trades for a symbol.
func (r *Repository) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.ClosedTrade, error) {
	const query = `
	SELECT id, position_id, symbol, entry_price, exit_price, quantity, pnl, pnl_percent,
	       entry_time, exit_time, reason, holding_seconds
	FROM closed_trades
	WHERE symbol = ? ORDER BY entry_time DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed trades for symbol %s: %w", symbol, err)
	}
	defer rows.Close()

	trades := make([]*domain.ClosedTrade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan closed trade during FindBySymbol: %w", err)
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating closed trade rows: %w", err)
	}
	return trades, nil
}

// FindByPositionID retrieves the closed trade for a position, if any.
func (r *Repository) FindByPositionID(ctx context.Context, positionID int64) (*domain.ClosedTrade, error) {
	const query = `
	SELECT id, position_id, symbol, entry_price, exit_price, quantity, pnl, pnl_percent,
	       entry_time, exit_time, reason, holding_seconds
	FROM closed_trades
	WHERE position_id = ?`

	row := r.db.QueryRowContext(ctx, query, positionID)
	trade, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query closed trade for position %d: %w", positionID, err)
	}
	return trade, nil
}

// TotalProfit sums realized PNL across all closed trades.
func (r *Repository) TotalProfit(ctx context.Context) (float64, error) {
	const query = `SELECT COALESCE(SUM(pnl), 0) FROM closed_trades`
	var total float64
	if err := r.db.QueryRowContext(ctx, query).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to calculate total profit: %w", err)
	}
	return total, nil
}

// --- PlanRepository ---

// SavePlan persists a plan snapshot and its items for audit.
func (r *Repository) SavePlan(ctx context.Context, plan *domain.AllocationPlan) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin plan transaction: %w", err)
	}
	defer tx.Rollback()

	const planQuery = `
	INSERT INTO allocation_plans (id, created_at, capital_budget, target_fraction, total_value, position_count)
	VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, planQuery,
		plan.ID, plan.CreatedAt, plan.CapitalBudget, plan.TargetFraction, plan.TotalValue(), len(plan.Items)); err != nil {
		return fmt.Errorf("failed to insert allocation plan %s: %w", plan.ID, err)
	}

	const itemQuery = `
	INSERT INTO allocation_items (plan_id, rank, symbol, price, target_value, shares, value, capped_position, capped_liquidity)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, item := range plan.Items {
		if _, err := tx.ExecContext(ctx, itemQuery,
			plan.ID, item.Signal.Rank, item.Signal.Symbol, item.Signal.Price,
			item.TargetValue, item.Shares, item.Value,
			item.CappedByPosition, item.CappedByLiquidity); err != nil {
			return fmt.Errorf("failed to insert allocation item %s for plan %s: %w", item.Signal.Symbol, plan.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit allocation plan %s: %w", plan.ID, err)
	}
	r.logger.Debug(ctx, "Allocation plan saved", map[string]interface{}{
		"planID": plan.ID, "positions": len(plan.Items),
	})
	return nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanPosition scans a row into a domain.Position struct.
func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var (
		tier            string
		status          string
		exitTime        sql.NullTime
		exitReason      sql.NullString
		exhaustionSince sql.NullTime
	)
	err := s.Scan(
		&p.ID, &p.Symbol, &p.EntryPrice, &p.Quantity, &p.EntryTime, &p.FloorStop, &p.EffectiveStop,
		&tier, &p.BreakevenArmed, &p.TrailingArmed, &p.PeakPrice, &p.PeakTime, &status,
		&p.ExitPrice, &exitTime, &exitReason, &exhaustionSince)
	if err != nil {
		return nil, err
	}
	p.Tier = domain.ProtectionTier(tier)
	p.Status = domain.PositionStatus(status)
	if exitTime.Valid {
		p.ExitTime = exitTime.Time
	}
	if exitReason.Valid {
		p.ExitReason = domain.ExitReason(exitReason.String)
	}
	if exhaustionSince.Valid {
		p.ExhaustionSince = exhaustionSince.Time
	}
	return p, nil
}

// scanTrade scans a row into a domain.ClosedTrade struct.
func scanTrade(s scanner) (*domain.ClosedTrade, error) {
	t := &domain.ClosedTrade{}
	var (
		reason         string
		holdingSeconds int64
	)
	err := s.Scan(
		&t.ID, &t.PositionID, &t.Symbol, &t.EntryPrice, &t.ExitPrice, &t.Quantity,
		&t.PNL, &t.PNLPercent, &t.EntryTime, &t.ExitTime, &reason, &holdingSeconds)
	if err != nil {
		return nil, err
	}
	t.Reason = domain.ExitReason(reason)
	t.HoldingTime = time.Duration(holdingSeconds) * time.Second
	return t, nil
}
