package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/rustyeddy/equitrader/broker"
	"github.com/rustyeddy/equitrader/orders"
	"github.com/rustyeddy/equitrader/portfolio"
	"github.com/rustyeddy/equitrader/risk"
)

// SQLiteJournal stores journal records in a single SQLite file. Decimals
// are stored as TEXT so no precision is lost round-tripping.
type SQLiteJournal struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		return nil, err
	}

	return &SQLiteJournal{db: db}, nil
}

// RecordOrder upserts the current order row and appends a lifecycle event.
func (j *SQLiteJournal) RecordOrder(o orders.Order) error {
	closing := 0
	if o.Closing {
		closing = 1
	}
	_, err := j.db.Exec(`
		INSERT INTO orders
		(id, broker_order_id, symbol, side, order_type, qty, limit_price, stop_price,
		 state, filled_qty, avg_fill_price, created_at, updated_at, correlation_id,
		 idempotency_token, closing)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			broker_order_id = excluded.broker_order_id,
			state = excluded.state,
			filled_qty = excluded.filled_qty,
			avg_fill_price = excluded.avg_fill_price,
			updated_at = excluded.updated_at`,
		o.ID, o.BrokerOrderID, o.Symbol, string(o.Side), string(o.Type), o.Qty,
		o.LimitPrice.String(), o.StopPrice.String(), string(o.State), o.FilledQty,
		o.AvgFillPrice.String(), o.CreatedAt, o.UpdatedAt, o.CorrelationID,
		o.IdempotencyToken, closing,
	)
	if err != nil {
		return fmt.Errorf("record order %s: %w", o.ID, err)
	}

	_, err = j.db.Exec(`
		INSERT INTO order_events (order_id, state, filled_qty, avg_fill_price, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		o.ID, string(o.State), o.FilledQty, o.AvgFillPrice.String(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record order event %s: %w", o.ID, err)
	}
	return nil
}

func (j *SQLiteJournal) RecordPosition(p portfolio.Position) error {
	stop := ""
	if p.HasStop {
		stop = p.StopPrice.String()
	}
	_, err := j.db.Exec(`
		INSERT INTO positions (symbol, qty, avg_entry_price, stop_price, opened_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			qty = excluded.qty,
			avg_entry_price = excluded.avg_entry_price,
			stop_price = excluded.stop_price`,
		p.Symbol, p.Qty, p.AvgEntryPrice.String(), stop, p.OpenedAt,
	)
	return err
}

func (j *SQLiteJournal) ClearPosition(symbol string) error {
	_, err := j.db.Exec(`DELETE FROM positions WHERE symbol = ?`, symbol)
	return err
}

func (j *SQLiteJournal) RecordBreaker(s risk.BreakerState) error {
	tripped := 0
	if s.Tripped {
		tripped = 1
	}
	_, err := j.db.Exec(`
		INSERT INTO breaker (session_date, tripped, reason, daily_realized_loss, daily_loss_limit, tripped_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_date) DO UPDATE SET
			tripped = excluded.tripped,
			reason = excluded.reason,
			daily_realized_loss = excluded.daily_realized_loss,
			tripped_at = excluded.tripped_at`,
		s.SessionDate, tripped, s.Reason, s.DailyRealizedLoss.String(),
		s.DailyLossLimit.String(), s.TrippedAt,
	)
	return err
}

// LoadOpenOrders returns every persisted order in a non-terminal state.
func (j *SQLiteJournal) LoadOpenOrders() ([]orders.Order, error) {
	rows, err := j.db.Query(`
		SELECT id, broker_order_id, symbol, side, order_type, qty, limit_price,
		       stop_price, state, filled_qty, avg_fill_price, created_at,
		       updated_at, correlation_id, idempotency_token, closing
		FROM orders
		WHERE state NOT IN (?, ?, ?, ?)`,
		string(orders.StateFilled), string(orders.StateCanceled),
		string(orders.StateRejected), string(orders.StateReplaced),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Order
	for rows.Next() {
		var (
			o                      orders.Order
			side, otype, state     string
			limitStr, stopStr, avg string
			closing                int
		)
		if err := rows.Scan(&o.ID, &o.BrokerOrderID, &o.Symbol, &side, &otype,
			&o.Qty, &limitStr, &stopStr, &state, &o.FilledQty, &avg,
			&o.CreatedAt, &o.UpdatedAt, &o.CorrelationID, &o.IdempotencyToken,
			&closing); err != nil {
			return nil, err
		}
		o.Side = broker.Side(side)
		o.Type = broker.OrderType(otype)
		o.State = orders.State(state)
		o.Closing = closing != 0
		if o.LimitPrice, err = parseDecimal(limitStr); err != nil {
			return nil, err
		}
		if o.StopPrice, err = parseDecimal(stopStr); err != nil {
			return nil, err
		}
		if o.AvgFillPrice, err = parseDecimal(avg); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) LoadPositions() ([]portfolio.Position, error) {
	rows, err := j.db.Query(`SELECT symbol, qty, avg_entry_price, stop_price, opened_at FROM positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []portfolio.Position
	for rows.Next() {
		var (
			p              portfolio.Position
			entryStr, stop string
		)
		if err := rows.Scan(&p.Symbol, &p.Qty, &entryStr, &stop, &p.OpenedAt); err != nil {
			return nil, err
		}
		if p.AvgEntryPrice, err = parseDecimal(entryStr); err != nil {
			return nil, err
		}
		if stop != "" {
			if p.StopPrice, err = parseDecimal(stop); err != nil {
				return nil, err
			}
			p.HasStop = true
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) LoadBreaker(sessionDate string) (risk.BreakerState, bool, error) {
	var (
		s           risk.BreakerState
		tripped     int
		lossStr     string
		limitStr    string
		trippedAt   sql.NullTime
	)
	err := j.db.QueryRow(`
		SELECT session_date, tripped, reason, daily_realized_loss, daily_loss_limit, tripped_at
		FROM breaker WHERE session_date = ?`, sessionDate).
		Scan(&s.SessionDate, &tripped, &s.Reason, &lossStr, &limitStr, &trippedAt)
	if err == sql.ErrNoRows {
		return risk.BreakerState{}, false, nil
	}
	if err != nil {
		return risk.BreakerState{}, false, err
	}
	s.Tripped = tripped != 0
	if trippedAt.Valid {
		s.TrippedAt = trippedAt.Time
	}
	if s.DailyRealizedLoss, err = parseDecimal(lossStr); err != nil {
		return risk.BreakerState{}, false, err
	}
	if s.DailyLossLimit, err = parseDecimal(limitStr); err != nil {
		return risk.BreakerState{}, false, err
	}
	return s, true, nil
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
