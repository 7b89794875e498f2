package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/rustyeddy/equitrader/broker"
	"github.com/rustyeddy/equitrader/market"
)

const (
	// PaperStreamURL carries trade updates for the paper environment.
	PaperStreamURL = "wss://paper-api.alpaca.markets/stream"
	// LiveStreamURL carries trade updates for the live environment.
	LiveStreamURL = "wss://api.alpaca.markets/stream"
	// MarketDataStreamURL carries per-minute bars (IEX feed).
	MarketDataStreamURL = "wss://stream.data.alpaca.markets/v2/iex"
)

// Stream connects the two Alpaca websockets: minute bars on the data
// socket, trade updates on the account socket. Each socket gets one reader
// goroutine; both deliver into the handlers and never into shared state.
type Stream struct {
	key     string
	secret  string
	dataURL string
	acctURL string
	symbols []string

	mu        sync.Mutex
	dataConn  *websocket.Conn
	acctConn  *websocket.Conn
	done      chan struct{}
	wg        sync.WaitGroup
	connected bool
}

// NewStream creates a disconnected stream for the given symbols.
func NewStream(key, secret string, paper bool, symbols []string) *Stream {
	acctURL := LiveStreamURL
	if paper {
		acctURL = PaperStreamURL
	}
	return &Stream{
		key:     key,
		secret:  secret,
		dataURL: MarketDataStreamURL,
		acctURL: acctURL,
		symbols: symbols,
	}
}

// Connect dials and authenticates both sockets, then starts the reader
// goroutines. The handshake is bounded by ctx; a second Connect while
// connected is a no-op.
func (s *Stream) Connect(ctx context.Context, handlers broker.StreamHandlers) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	dataConn, err := s.dialData(ctx)
	if err != nil {
		return fmt.Errorf("market data stream: %w", err)
	}
	acctConn, err := s.dialAccount(ctx)
	if err != nil {
		dataConn.Close()
		return fmt.Errorf("trade update stream: %w", err)
	}

	s.dataConn = dataConn
	s.acctConn = acctConn
	s.done = make(chan struct{})
	s.connected = true

	s.wg.Add(2)
	go s.readBars(dataConn, handlers)
	go s.readTradeUpdates(acctConn, handlers)
	return nil
}

// Close stops both readers. The ctx bounds the graceful wait; when it
// expires the connections are torn down regardless.
func (s *Stream) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	close(s.done)
	dataConn, acctConn := s.dataConn, s.acctConn
	s.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = dataConn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = acctConn.WriteControl(websocket.CloseMessage, msg, deadline)

	stopped := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		log.Warn("stream readers did not stop in time, forcing close")
	}
	dataConn.Close()
	acctConn.Close()
	return nil
}

// --- market data socket --------------------------------------------------

type dataMsg struct {
	Type   string  `json:"T"`
	Msg    string  `json:"msg,omitempty"`
	Symbol string  `json:"S,omitempty"`
	Open   float64 `json:"o,omitempty"`
	High   float64 `json:"h,omitempty"`
	Low    float64 `json:"l,omitempty"`
	Close  float64 `json:"c,omitempty"`
	Volume int64   `json:"v,omitempty"`
	Time   string  `json:"t,omitempty"`
}

func (s *Stream) dialData(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.dataURL, nil)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	// Server greets with a "connected" control message before auth.
	if err := expectDataMsg(conn, "connected"); err != nil {
		conn.Close()
		return nil, err
	}

	auth := map[string]string{"action": "auth", "key": s.key, "secret": s.secret}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return nil, err
	}
	if err := expectDataMsg(conn, "authenticated"); err != nil {
		conn.Close()
		return nil, err
	}

	sub := map[string]any{"action": "subscribe", "bars": s.symbols}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Time{})
	return conn, nil
}

func expectDataMsg(conn *websocket.Conn, want string) error {
	var msgs []dataMsg
	if err := conn.ReadJSON(&msgs); err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Type == "success" && m.Msg == want {
			return nil
		}
		if m.Type == "error" {
			return fmt.Errorf("stream handshake: %s", m.Msg)
		}
	}
	return fmt.Errorf("stream handshake: expected %q", want)
}

func (s *Stream) readBars(conn *websocket.Conn, handlers broker.StreamHandlers) {
	defer s.wg.Done()
	defer s.recoverReader("market data", handlers)

	for {
		var msgs []dataMsg
		if err := conn.ReadJSON(&msgs); err != nil {
			s.reportReadError("market data", err, handlers)
			return
		}
		for _, m := range msgs {
			if m.Type != "b" {
				continue
			}
			ts, err := time.Parse(time.RFC3339, m.Time)
			if err != nil {
				log.WithError(err).Warn("bad bar timestamp, skipped")
				continue
			}
			handlers.OnBar(market.Bar{
				Symbol: m.Symbol,
				Time:   ts,
				Open:   decimal.NewFromFloat(m.Open),
				High:   decimal.NewFromFloat(m.High),
				Low:    decimal.NewFromFloat(m.Low),
				Close:  decimal.NewFromFloat(m.Close),
				Volume: m.Volume,
			})
		}
	}
}

// --- trade update socket -------------------------------------------------

type acctMsg struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type authResult struct {
	Status string `json:"status"`
}

type tradeUpdateDTO struct {
	Event     string   `json:"event"`
	EventID   int64    `json:"event_id"`
	Price     string   `json:"price"`
	Qty       string   `json:"qty"`
	Timestamp string   `json:"timestamp"`
	Order     orderDTO `json:"order"`
}

func (s *Stream) dialAccount(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.acctURL, nil)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	auth := map[string]any{
		"action": "authenticate",
		"data":   map[string]string{"key_id": s.key, "secret_key": s.secret},
	}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return nil, err
	}

	var msg acctMsg
	if err := conn.ReadJSON(&msg); err != nil {
		conn.Close()
		return nil, err
	}
	var res authResult
	if err := json.Unmarshal(msg.Data, &res); err != nil || res.Status != "authorized" {
		conn.Close()
		return nil, fmt.Errorf("stream auth not authorized")
	}

	listen := map[string]any{
		"action": "listen",
		"data":   map[string][]string{"streams": {"trade_updates"}},
	}
	if err := conn.WriteJSON(listen); err != nil {
		conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Time{})
	return conn, nil
}

func (s *Stream) readTradeUpdates(conn *websocket.Conn, handlers broker.StreamHandlers) {
	defer s.wg.Done()
	defer s.recoverReader("trade updates", handlers)

	for {
		var msg acctMsg
		if err := conn.ReadJSON(&msg); err != nil {
			s.reportReadError("trade updates", err, handlers)
			return
		}
		if msg.Stream != "trade_updates" {
			continue
		}

		var dto tradeUpdateDTO
		if err := json.Unmarshal(msg.Data, &dto); err != nil {
			log.WithError(err).Warn("bad trade update payload, skipped")
			continue
		}

		u := market.TradeUpdate{
			EventID:       dto.EventID,
			Event:         normalizeEvent(dto.Event),
			BrokerOrderID: dto.Order.ID,
			ClientOrderID: dto.Order.ClientOrderID,
			Symbol:        dto.Order.Symbol,
		}
		if dto.Price != "" {
			if p, err := decimal.NewFromString(dto.Price); err == nil {
				u.FillPrice = p
			}
		}
		if dto.Qty != "" {
			if q, err := decimal.NewFromString(dto.Qty); err == nil {
				u.FillQty = q.IntPart()
			}
		}
		if dto.Timestamp != "" {
			u.Timestamp, _ = time.Parse(time.RFC3339, dto.Timestamp)
		}
		if u.Timestamp.IsZero() {
			u.Timestamp = time.Now().UTC()
		}
		handlers.OnUpdate(u)
	}
}

func normalizeEvent(event string) market.TradeUpdateEvent {
	switch event {
	case "new", "accepted", "pending_new":
		return market.TradeEventNew
	case "fill":
		return market.TradeEventFill
	case "partial_fill":
		return market.TradeEventPartialFill
	case "canceled", "expired", "done_for_day":
		return market.TradeEventCanceled
	case "rejected":
		return market.TradeEventRejected
	case "replaced":
		return market.TradeEventReplaced
	default:
		return market.TradeUpdateEvent(event)
	}
}

// recoverReader catches reader panics: log, flag the failure, keep the
// process alive. Reconnecting is the orchestrator's call.
func (s *Stream) recoverReader(name string, handlers broker.StreamHandlers) {
	if r := recover(); r != nil {
		log.WithFields(log.Fields{"stream": name, "panic": r}).Error("stream reader panicked")
		if handlers.OnError != nil {
			handlers.OnError(fmt.Errorf("%s reader panic: %v", name, r))
		}
	}
}

func (s *Stream) reportReadError(name string, err error, handlers broker.StreamHandlers) {
	select {
	case <-s.done:
		// Deliberate close, not a failure.
		return
	default:
	}
	log.WithError(err).WithField("stream", name).Error("stream read failed")
	if handlers.OnError != nil {
		handlers.OnError(fmt.Errorf("%s: %w", name, err))
	}
}
