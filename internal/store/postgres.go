package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/predmkt-core/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of
// truth. All monetary/decimal values are stored as NUMERIC for exact
// precision, scanned back via ::TEXT per the teacher's convention.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, owner_id, currency, available_minor, pending_minor, created_at, updated_at
		 FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Kind, &a.OwnerID, &a.Currency, &a.AvailableMinor, &a.PendingMinor, &a.CreatedAt, &a.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return &a, nil
}

func (s *PostgresStore) GetAccountByOwnerKind(ctx context.Context, ownerID string, kind model.AccountKind, currency string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, owner_id, currency, available_minor, pending_minor, created_at, updated_at
		 FROM accounts WHERE owner_id = $1 AND kind = $2 AND currency = $3`, ownerID, kind, currency).
		Scan(&a.ID, &a.Kind, &a.OwnerID, &a.Currency, &a.AvailableMinor, &a.PendingMinor, &a.CreatedAt, &a.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account by owner/kind: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) GetAccountLedger(ctx context.Context, accountID string, cur LedgerCursor) ([]model.LedgerEntry, error) {
	query := `SELECT id, txn_id, account_id, counter_account_id, user_id, amount_minor, kind, description, timestamp
		FROM ledger_entries WHERE account_id = $1`
	args := []interface{}{accountID}
	if cur.Kind != "" {
		args = append(args, cur.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if !cur.From.IsZero() {
		args = append(args, cur.From)
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if !cur.To.IsZero() {
		args = append(args, cur.To)
		query += fmt.Sprintf(" AND timestamp < $%d", len(args))
	}
	query += " ORDER BY timestamp DESC"
	if cur.Limit > 0 {
		args = append(args, cur.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetTransaction(ctx context.Context, txnID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, txn_id, account_id, counter_account_id, user_id, amount_minor, kind, description, timestamp
		 FROM ledger_entries WHERE txn_id = $1 ORDER BY id`, txnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries, err := scanLedgerEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries, nil
}

func (s *PostgresStore) GetIdempotency(ctx context.Context, scope, key string) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	err := s.pool.QueryRow(ctx,
		`SELECT scope, key, response_blob, created_at, expires_at
		 FROM idempotency_keys WHERE scope = $1 AND key = $2`, scope, key).
		Scan(&rec.Scope, &rec.Key, &rec.ResponseBlob, &rec.CreatedAt, &rec.ExpiresAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency %s/%s: %w", scope, key, err)
	}
	return &rec, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return s.scanMarket(ctx, `WHERE id = $1`, id)
}

func (s *PostgresStore) GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error) {
	return s.scanMarket(ctx, `WHERE slug = $1`, slug)
}

func (s *PostgresStore) scanMarket(ctx context.Context, where string, arg string) (*model.Market, error) {
	var m model.Market
	err := s.pool.QueryRow(ctx,
		`SELECT id, slug, title, category, status, min_trade_minor, max_trade_minor,
		        open_at, close_at, resolve_at, resolution, creator_id, created_at, updated_at
		 FROM markets `+where, arg).
		Scan(&m.ID, &m.Slug, &m.Title, &m.Category, &m.Status, &m.MinTradeMinor, &m.MaxTradeMinor,
			&m.OpenAt, &m.CloseAt, &m.ResolveAt, &m.Resolution, &m.CreatorID, &m.CreatedAt, &m.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, category string) ([]model.Market, error) {
	query := `SELECT id, slug, title, category, status, min_trade_minor, max_trade_minor,
	        open_at, close_at, resolve_at, resolution, creator_id, created_at, updated_at
		 FROM markets`
	args := []interface{}{}
	if category != "" {
		query += ` WHERE category = $1`
		args = append(args, category)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var m model.Market
		if err := rows.Scan(&m.ID, &m.Slug, &m.Title, &m.Category, &m.Status, &m.MinTradeMinor, &m.MaxTradeMinor,
			&m.OpenAt, &m.CloseAt, &m.ResolveAt, &m.Resolution, &m.CreatorID, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetLMSRState(ctx context.Context, marketID string) (*model.LMSRState, error) {
	var st model.LMSRState
	var b, qYes, qNo string
	err := s.pool.QueryRow(ctx,
		`SELECT market_id, b::TEXT, q_yes::TEXT, q_no::TEXT, updated_at
		 FROM lmsr_state WHERE market_id = $1`, marketID).
		Scan(&st.MarketID, &b, &qYes, &qNo, &st.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lmsr_state %s: %w", marketID, err)
	}
	st.B, _ = decimal.NewFromString(b)
	st.QYes, _ = decimal.NewFromString(qYes)
	st.QNo, _ = decimal.NewFromString(qNo)
	return &st, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	return s.scanPosition(ctx, `WHERE user_id = $1 AND market_id = $2`, userID, marketID)
}

func (s *PostgresStore) scanPosition(ctx context.Context, where string, args ...interface{}) (*model.Position, error) {
	var p model.Position
	var yes, no, avgYes, avgNo string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, market_id, yes_shares::TEXT, no_shares::TEXT,
		        avg_price_yes::TEXT, avg_price_no::TEXT, total_invested_minor, realized_pnl_minor, updated_at
		 FROM positions `+where, args...).
		Scan(&p.UserID, &p.MarketID, &yes, &no, &avgYes, &avgNo, &p.TotalInvestedMinor, &p.RealizedPnLMinor, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	p.YesShares, _ = decimal.NewFromString(yes)
	p.NoShares, _ = decimal.NewFromString(no)
	p.AvgPriceYes, _ = decimal.NewFromString(avgYes)
	p.AvgPriceNo, _ = decimal.NewFromString(avgNo)
	return &p, nil
}

func (s *PostgresStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.queryPositions(ctx, `WHERE user_id = $1`, userID)
}

func (s *PostgresStore) GetMarketPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.queryPositions(ctx, `WHERE market_id = $1`, marketID)
}

func (s *PostgresStore) queryPositions(ctx context.Context, where string, args ...interface{}) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, market_id, yes_shares::TEXT, no_shares::TEXT,
		        avg_price_yes::TEXT, avg_price_no::TEXT, total_invested_minor, realized_pnl_minor, updated_at
		 FROM positions `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var p model.Position
		var yes, no, avgYes, avgNo string
		if err := rows.Scan(&p.UserID, &p.MarketID, &yes, &no, &avgYes, &avgNo,
			&p.TotalInvestedMinor, &p.RealizedPnLMinor, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.YesShares, _ = decimal.NewFromString(yes)
		p.NoShares, _ = decimal.NewFromString(no)
		p.AvgPriceYes, _ = decimal.NewFromString(avgYes)
		p.AvgPriceNo, _ = decimal.NewFromString(avgNo)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetUserTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	return s.queryTrades(ctx, `WHERE user_id = $1 ORDER BY timestamp DESC LIMIT $2`, userID, limit)
}

func (s *PostgresStore) GetMarketTrades(ctx context.Context, marketID string, limit int) ([]model.Trade, error) {
	return s.queryTrades(ctx, `WHERE market_id = $1 ORDER BY timestamp DESC LIMIT $2`, marketID, limit)
}

func (s *PostgresStore) queryTrades(ctx context.Context, where string, args ...interface{}) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, market_id, outcome, side, shares::TEXT, fill_avg_price::TEXT,
		        cost_minor, fee_minor, timestamp
		 FROM trades `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var shares, avgPrice string
		if err := rows.Scan(&t.ID, &t.UserID, &t.MarketID, &t.Outcome, &t.Side, &shares, &avgPrice,
			&t.CostMinor, &t.FeeMinor, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Shares, _ = decimal.NewFromString(shares)
		t.FillAvgPrice, _ = decimal.NewFromString(avgPrice)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	var w model.Withdrawal
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, amount_minor, status, created_at, updated_at
		 FROM withdrawals WHERE id = $1`, id).
		Scan(&w.ID, &w.UserID, &w.AmountMinor, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get withdrawal %s: %w", id, err)
	}
	return &w, nil
}

func (s *PostgresStore) GetUserWithdrawals(ctx context.Context, userID string) ([]model.Withdrawal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, amount_minor, status, created_at, updated_at
		 FROM withdrawals WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Withdrawal
	for rows.Next() {
		var w model.Withdrawal
		if err := rows.Scan(&w.ID, &w.UserID, &w.AmountMinor, &w.Status, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// CleanupExpiredIdempotency deletes idempotency_keys rows whose
// expires_at has passed, bounded to batchSize per call.
func (s *PostgresStore) CleanupExpiredIdempotency(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	tag, err := s.pool.Exec(ctx,
		`WITH doomed AS (
		   SELECT scope, key FROM idempotency_keys
		   WHERE expires_at < now()
		   ORDER BY expires_at ASC
		   LIMIT $1
		 )
		 DELETE FROM idempotency_keys k
		 USING doomed d
		 WHERE k.scope = d.scope AND k.key = d.key`, batchSize)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// BeginTx opens a serializable pgx transaction and retries on
// serialization failures per the fixed backoff schedule in retry.go.
func (s *PostgresStore) BeginTx(ctx context.Context, fn func(Tx) error) error {
	return retrySerializable(ctx, func() error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if err := fn(&pgTx{tx: tx}); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// pgTx is the Tx implementation backing PostgresStore.BeginTx.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CreateAccountIfAbsent(ctx context.Context, ownerID string, kind model.AccountKind, currency string) (*model.Account, error) {
	var a model.Account
	err := t.tx.QueryRow(ctx,
		`INSERT INTO accounts (id, kind, owner_id, currency, available_minor, pending_minor, created_at, updated_at)
		 VALUES (gen_random_uuid()::text, $1, $2, $3, 0, 0, now(), now())
		 ON CONFLICT (owner_id, kind, currency) DO UPDATE SET updated_at = accounts.updated_at
		 RETURNING id, kind, owner_id, currency, available_minor, pending_minor, created_at, updated_at`,
		kind, ownerID, currency).
		Scan(&a.ID, &a.Kind, &a.OwnerID, &a.Currency, &a.AvailableMinor, &a.PendingMinor, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create account if absent: %w", err)
	}
	return &a, nil
}

func (t *pgTx) LockAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := t.tx.QueryRow(ctx,
		`SELECT id, kind, owner_id, currency, available_minor, pending_minor, created_at, updated_at
		 FROM accounts WHERE id = $1 FOR UPDATE`, id).
		Scan(&a.ID, &a.Kind, &a.OwnerID, &a.Currency, &a.AvailableMinor, &a.PendingMinor, &a.CreatedAt, &a.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock account %s: %w", id, err)
	}
	return &a, nil
}

func (t *pgTx) AdjustAccountBalance(ctx context.Context, id string, availableDelta, pendingDelta int64) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE accounts SET available_minor = available_minor + $2,
		        pending_minor = pending_minor + $3, updated_at = now()
		 WHERE id = $1`, id, availableDelta, pendingDelta)
	return err
}

func (t *pgTx) InsertLedgerEntries(ctx context.Context, entries []model.LedgerEntry) error {
	for _, e := range entries {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, txn_id, account_id, counter_account_id, user_id,
			        amount_minor, kind, description, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.TxnID, e.AccountID, e.CounterAccountID, e.UserID,
			e.AmountMinor, e.Kind, e.Description, e.Timestamp)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
	}
	return nil
}

func (t *pgTx) PutIdempotency(ctx context.Context, rec model.IdempotencyRecord) error {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO idempotency_keys (scope, key, response_blob, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (scope, key) DO NOTHING`,
		rec.Scope, rec.Key, rec.ResponseBlob, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errIdempotencyExists
	}
	return nil
}

func (t *pgTx) CompleteIdempotency(ctx context.Context, scope, key string, responseBlob []byte) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE idempotency_keys SET response_blob = $3 WHERE scope = $1 AND key = $2`,
		scope, key, responseBlob)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) CreateMarket(ctx context.Context, m *model.Market, lmsr *model.LMSRState) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO markets (id, slug, title, category, status, min_trade_minor, max_trade_minor,
		        open_at, close_at, resolve_at, resolution, creator_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		m.ID, m.Slug, m.Title, m.Category, m.Status, m.MinTradeMinor, m.MaxTradeMinor,
		m.OpenAt, m.CloseAt, m.ResolveAt, m.Resolution, m.CreatorID, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create market: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO lmsr_state (market_id, b, q_yes, q_no, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5)`,
		lmsr.MarketID, lmsr.B.String(), lmsr.QYes.String(), lmsr.QNo.String(), lmsr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create lmsr_state: %w", err)
	}
	return nil
}

func (t *pgTx) LockLMSRState(ctx context.Context, marketID string) (*model.LMSRState, error) {
	var st model.LMSRState
	var b, qYes, qNo string
	err := t.tx.QueryRow(ctx,
		`SELECT market_id, b::TEXT, q_yes::TEXT, q_no::TEXT, updated_at
		 FROM lmsr_state WHERE market_id = $1 FOR UPDATE`, marketID).
		Scan(&st.MarketID, &b, &qYes, &qNo, &st.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock lmsr_state %s: %w", marketID, err)
	}
	st.B, _ = decimal.NewFromString(b)
	st.QYes, _ = decimal.NewFromString(qYes)
	st.QNo, _ = decimal.NewFromString(qNo)
	return &st, nil
}

func (t *pgTx) UpdateLMSRState(ctx context.Context, marketID string, qYes, qNo string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE lmsr_state SET q_yes = $2::NUMERIC, q_no = $3::NUMERIC, updated_at = now()
		 WHERE market_id = $1`, marketID, qYes, qNo)
	return err
}

func (t *pgTx) UpdateMarketStatus(ctx context.Context, marketID string, status model.MarketStatus, resolution model.Resolution) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE markets SET status = $2, resolution = NULLIF($3, ''), updated_at = now()
		 WHERE id = $1`, marketID, status, string(resolution))
	return err
}

func (t *pgTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	err := t.tx.QueryRow(ctx,
		`SELECT id, slug, title, category, status, min_trade_minor, max_trade_minor,
		        open_at, close_at, resolve_at, resolution, creator_id, created_at, updated_at
		 FROM markets WHERE id = $1`, id).
		Scan(&m.ID, &m.Slug, &m.Title, &m.Category, &m.Status, &m.MinTradeMinor, &m.MaxTradeMinor,
			&m.OpenAt, &m.CloseAt, &m.ResolveAt, &m.Resolution, &m.CreatorID, &m.CreatedAt, &m.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market (tx): %w", err)
	}
	return &m, nil
}

func (t *pgTx) LockPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	var p model.Position
	var yes, no, avgYes, avgNo string
	err := t.tx.QueryRow(ctx,
		`SELECT user_id, market_id, yes_shares::TEXT, no_shares::TEXT,
		        avg_price_yes::TEXT, avg_price_no::TEXT, total_invested_minor, realized_pnl_minor, updated_at
		 FROM positions WHERE user_id = $1 AND market_id = $2 FOR UPDATE`, userID, marketID).
		Scan(&p.UserID, &p.MarketID, &yes, &no, &avgYes, &avgNo, &p.TotalInvestedMinor, &p.RealizedPnLMinor, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		zero := decimal.Zero.String()
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO positions (user_id, market_id, yes_shares, no_shares, avg_price_yes, avg_price_no,
			        total_invested_minor, realized_pnl_minor, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $3::NUMERIC, $3::NUMERIC, $3::NUMERIC, 0, 0, now())`,
			userID, marketID, zero); err != nil {
			return nil, fmt.Errorf("create position: %w", err)
		}
		return &model.Position{UserID: userID, MarketID: marketID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock position: %w", err)
	}
	p.YesShares, _ = decimal.NewFromString(yes)
	p.NoShares, _ = decimal.NewFromString(no)
	p.AvgPriceYes, _ = decimal.NewFromString(avgYes)
	p.AvgPriceNo, _ = decimal.NewFromString(avgNo)
	return &p, nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE positions SET yes_shares = $3::NUMERIC, no_shares = $4::NUMERIC,
		        avg_price_yes = $5::NUMERIC, avg_price_no = $6::NUMERIC,
		        total_invested_minor = $7, realized_pnl_minor = $8, updated_at = now()
		 WHERE user_id = $1 AND market_id = $2`,
		p.UserID, p.MarketID, p.YesShares.String(), p.NoShares.String(),
		p.AvgPriceYes.String(), p.AvgPriceNo.String(), p.TotalInvestedMinor, p.RealizedPnLMinor)
	return err
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, market_id, outcome, side, shares, fill_avg_price,
		        cost_minor, fee_minor, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)`,
		tr.ID, tr.UserID, tr.MarketID, tr.Outcome, tr.Side, tr.Shares.String(), tr.FillAvgPrice.String(),
		tr.CostMinor, tr.FeeMinor, tr.Timestamp)
	return err
}

func (t *pgTx) CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO withdrawals (id, user_id, amount_minor, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.UserID, w.AmountMinor, w.Status, w.CreatedAt, w.UpdatedAt)
	return err
}

func (t *pgTx) LockWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	var w model.Withdrawal
	err := t.tx.QueryRow(ctx,
		`SELECT id, user_id, amount_minor, status, created_at, updated_at
		 FROM withdrawals WHERE id = $1 FOR UPDATE`, id).
		Scan(&w.ID, &w.UserID, &w.AmountMinor, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock withdrawal %s: %w", id, err)
	}
	return &w, nil
}

func (t *pgTx) UpdateWithdrawalStatus(ctx context.Context, id string, status model.WithdrawalStatus) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE withdrawals SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	return err
}

func (t *pgTx) InsertAuditEntry(ctx context.Context, e *model.AdminAuditEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO admin_audit_log (id, entity_kind, entity_id, action, actor_id, detail, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.EntityKind, e.EntityID, e.Action, e.ActorID, e.Detail, e.Timestamp)
	return err
}

func (t *pgTx) InsertAMLEvent(ctx context.Context, e *model.AMLEvent) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO aml_events (id, user_id, action, decision, risk_score, reasons, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.UserID, e.Action, e.Decision, e.RiskScore, e.Reasons, e.Timestamp)
	return err
}

// scanLedgerEntries reads pgx rows into LedgerEntry slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TxnID, &e.AccountID, &e.CounterAccountID, &e.UserID,
			&e.AmountMinor, &e.Kind, &e.Description, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
