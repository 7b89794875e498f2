package journal

const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	broker_order_id TEXT,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	order_type TEXT NOT NULL,
	qty INTEGER NOT NULL,
	limit_price TEXT,
	stop_price TEXT,
	state TEXT NOT NULL,
	filled_qty INTEGER NOT NULL,
	avg_fill_price TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	correlation_id TEXT,
	idempotency_token TEXT,
	closing INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS order_events (
	order_id TEXT NOT NULL,
	state TEXT NOT NULL,
	filled_qty INTEGER NOT NULL,
	avg_fill_price TEXT,
	recorded_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	symbol TEXT PRIMARY KEY,
	qty INTEGER NOT NULL,
	avg_entry_price TEXT NOT NULL,
	stop_price TEXT,
	opened_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS breaker (
	session_date TEXT PRIMARY KEY,
	tripped INTEGER NOT NULL,
	reason TEXT,
	daily_realized_loss TEXT NOT NULL,
	daily_loss_limit TEXT NOT NULL,
	tripped_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(state);
CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id);
`
