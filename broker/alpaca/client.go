// Package alpaca adapts the Alpaca equities brokerage (REST + websocket
// streaming) onto the broker interfaces. All vendor status strings and
// transport errors are normalized at this boundary; nothing above it sees
// a raw HTTP error or an Alpaca-specific status.
package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/equitrader/broker"
	"github.com/rustyeddy/equitrader/market"
)

const (
	// PaperURL is Alpaca's paper-trading environment.
	PaperURL = "https://paper-api.alpaca.markets"
	// LiveURL is Alpaca's live trading environment.
	LiveURL = "https://api.alpaca.markets"
	// DataURL serves historical market data.
	DataURL = "https://data.alpaca.markets"
)

// Client is an Alpaca REST API client.
type Client struct {
	baseURL    string
	dataURL    string
	key        string
	secret     string
	httpClient *http.Client
}

// NewClient creates a REST client. paper selects the paper environment.
func NewClient(key, secret string, paper bool) *Client {
	baseURL := LiveURL
	if paper {
		baseURL = PaperURL
	}
	return &Client{
		baseURL: baseURL,
		dataURL: DataURL,
		key:     key,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type accountDTO struct {
	ID          string `json:"id"`
	Currency    string `json:"currency"`
	Equity      string `json:"equity"`
	Cash        string `json:"cash"`
	BuyingPower string `json:"buying_power"`
}

type positionDTO struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
}

type orderDTO struct {
	ID            string `json:"id"`
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Qty           string `json:"qty"`
	FilledQty     string `json:"filled_qty"`
	FilledAvgPrc  string `json:"filled_avg_price"`
	LimitPrice    string `json:"limit_price"`
	StopPrice     string `json:"stop_price"`
	Status        string `json:"status"`
	SubmittedAt   string `json:"submitted_at"`
	UpdatedAt     string `json:"updated_at"`
}

type barDTO struct {
	Time   string  `json:"t"`
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume int64   `json:"v"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GetAccount fetches account state.
func (c *Client) GetAccount(ctx context.Context) (broker.Account, error) {
	var dto accountDTO
	if err := c.get(ctx, c.baseURL+"/v2/account", nil, &dto); err != nil {
		return broker.Account{}, err
	}
	acct := broker.Account{ID: dto.ID, Currency: dto.Currency}
	var err error
	if acct.Equity, err = parseDecimal(dto.Equity); err != nil {
		return broker.Account{}, fmt.Errorf("account equity: %w", err)
	}
	if acct.Cash, err = parseDecimal(dto.Cash); err != nil {
		return broker.Account{}, fmt.Errorf("account cash: %w", err)
	}
	if acct.BuyingPower, err = parseDecimal(dto.BuyingPower); err != nil {
		return broker.Account{}, fmt.Errorf("account buying power: %w", err)
	}
	return acct, nil
}

// GetPositions fetches current holdings.
func (c *Client) GetPositions(ctx context.Context) ([]broker.Position, error) {
	var dtos []positionDTO
	if err := c.get(ctx, c.baseURL+"/v2/positions", nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]broker.Position, 0, len(dtos))
	for _, dto := range dtos {
		qty, err := parseDecimal(dto.Qty)
		if err != nil {
			return nil, fmt.Errorf("position qty %s: %w", dto.Symbol, err)
		}
		entry, err := parseDecimal(dto.AvgEntryPrice)
		if err != nil {
			return nil, fmt.Errorf("position entry %s: %w", dto.Symbol, err)
		}
		out = append(out, broker.Position{
			Symbol:        dto.Symbol,
			Qty:           qty.IntPart(),
			AvgEntryPrice: entry,
		})
	}
	return out, nil
}

// GetOpenOrders lists orders the broker still considers open.
func (c *Client) GetOpenOrders(ctx context.Context) ([]broker.Order, error) {
	params := url.Values{}
	params.Set("status", "open")
	var dtos []orderDTO
	if err := c.get(ctx, c.baseURL+"/v2/orders", params, &dtos); err != nil {
		return nil, err
	}
	out := make([]broker.Order, 0, len(dtos))
	for _, dto := range dtos {
		o, err := dto.toOrder()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// GetOrderByClientID resolves an order, open or terminal, by the client
// order id used as an idempotency token.
func (c *Client) GetOrderByClientID(ctx context.Context, clientOrderID string) (broker.Order, error) {
	params := url.Values{}
	params.Set("client_order_id", clientOrderID)
	var dto orderDTO
	if err := c.get(ctx, c.baseURL+"/v2/orders:by_client_order_id", params, &dto); err != nil {
		return broker.Order{}, err
	}
	return dto.toOrder()
}

// SubmitOrder places an order.
func (c *Client) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	body := map[string]any{
		"client_order_id": req.ClientOrderID,
		"symbol":          req.Symbol,
		"side":            string(req.Side),
		"type":            string(req.Type),
		"qty":             fmt.Sprintf("%d", req.Qty),
		"time_in_force":   "day",
	}
	if req.Type == broker.LimitOrder {
		body["limit_price"] = req.LimitPrice.String()
	}
	if req.Type == broker.StopOrder {
		body["stop_price"] = req.StopPrice.String()
	}

	var dto orderDTO
	if err := c.post(ctx, c.baseURL+"/v2/orders", body, &dto, req.ClientOrderID); err != nil {
		return broker.Order{}, err
	}
	return dto.toOrder()
}

// CancelOrder requests cancellation.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return c.del(ctx, c.baseURL+"/v2/orders/"+brokerOrderID)
}

// ReplaceOrder replaces quantity/price of a live order.
func (c *Client) ReplaceOrder(ctx context.Context, brokerOrderID string, req broker.OrderRequest) (broker.Order, error) {
	body := map[string]any{
		"client_order_id": req.ClientOrderID,
		"qty":             fmt.Sprintf("%d", req.Qty),
	}
	if req.Type == broker.LimitOrder {
		body["limit_price"] = req.LimitPrice.String()
	}
	if req.Type == broker.StopOrder {
		body["stop_price"] = req.StopPrice.String()
	}

	var dto orderDTO
	if err := c.patch(ctx, c.baseURL+"/v2/orders/"+brokerOrderID, body, &dto, req.ClientOrderID); err != nil {
		return broker.Order{}, err
	}
	return dto.toOrder()
}

// GetBars fetches historical minute bars. The start time is mandatory:
// the API silently returns an empty window when it is omitted, so a zero
// start is rejected before it ever reaches the wire.
func (c *Client) GetBars(ctx context.Context, symbol string, start time.Time, limit int) ([]market.Bar, error) {
	if start.IsZero() {
		return nil, &broker.ValidationError{Field: "start", Msg: "explicit start time required"}
	}
	params := url.Values{}
	params.Set("timeframe", "1Min")
	params.Set("start", start.UTC().Format(time.RFC3339))
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}

	var resp struct {
		Bars []barDTO `json:"bars"`
	}
	endpoint := fmt.Sprintf("%s/v2/stocks/%s/bars", c.dataURL, symbol)
	if err := c.get(ctx, endpoint, params, &resp); err != nil {
		return nil, err
	}

	out := make([]market.Bar, 0, len(resp.Bars))
	for _, dto := range resp.Bars {
		ts, err := time.Parse(time.RFC3339, dto.Time)
		if err != nil {
			return nil, fmt.Errorf("bar timestamp: %w", err)
		}
		out = append(out, market.Bar{
			Symbol: symbol,
			Time:   ts,
			Open:   decimal.NewFromFloat(dto.Open),
			High:   decimal.NewFromFloat(dto.High),
			Low:    decimal.NewFromFloat(dto.Low),
			Close:  decimal.NewFromFloat(dto.Close),
			Volume: dto.Volume,
		})
	}
	return out, nil
}

func (dto orderDTO) toOrder() (broker.Order, error) {
	o := broker.Order{
		BrokerOrderID: dto.ID,
		ClientOrderID: dto.ClientOrderID,
		Symbol:        dto.Symbol,
		Side:          broker.Side(dto.Side),
		Type:          broker.OrderType(dto.Type),
		Status:        normalizeStatus(dto.Status),
	}
	qty, err := parseDecimal(dto.Qty)
	if err != nil {
		return broker.Order{}, fmt.Errorf("order qty: %w", err)
	}
	o.Qty = qty.IntPart()
	filled, err := parseDecimal(dto.FilledQty)
	if err != nil {
		return broker.Order{}, fmt.Errorf("order filled qty: %w", err)
	}
	o.FilledQty = filled.IntPart()
	if o.AvgFillPrice, err = parseDecimal(dto.FilledAvgPrc); err != nil {
		return broker.Order{}, fmt.Errorf("order avg fill price: %w", err)
	}
	if o.LimitPrice, err = parseDecimal(dto.LimitPrice); err != nil {
		return broker.Order{}, fmt.Errorf("order limit price: %w", err)
	}
	if o.StopPrice, err = parseDecimal(dto.StopPrice); err != nil {
		return broker.Order{}, fmt.Errorf("order stop price: %w", err)
	}
	if dto.SubmittedAt != "" {
		o.SubmittedAt, _ = time.Parse(time.RFC3339, dto.SubmittedAt)
	}
	if dto.UpdatedAt != "" {
		o.UpdatedAt, _ = time.Parse(time.RFC3339, dto.UpdatedAt)
	}
	return o, nil
}

// normalizeStatus maps Alpaca order statuses onto the normalized set.
func normalizeStatus(s string) string {
	switch s {
	case "new", "accepted", "pending_new":
		return broker.StatusAccepted
	case "partially_filled":
		return broker.StatusPartiallyFilled
	case "filled":
		return broker.StatusFilled
	case "canceled", "pending_cancel", "expired", "done_for_day":
		return broker.StatusCanceled
	case "rejected":
		return broker.StatusRejected
	case "replaced", "pending_replace":
		return broker.StatusReplaced
	default:
		return s
	}
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if params != nil {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out, "")
}

func (c *Client) post(ctx context.Context, endpoint string, body any, out any, clientOrderID string) error {
	return c.send(ctx, http.MethodPost, endpoint, body, out, clientOrderID)
}

func (c *Client) patch(ctx context.Context, endpoint string, body any, out any, clientOrderID string) error {
	return c.send(ctx, http.MethodPatch, endpoint, body, out, clientOrderID)
}

func (c *Client) send(ctx context.Context, method, endpoint string, body any, out any, clientOrderID string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out, clientOrderID)
}

func (c *Client) del(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil, "")
}

// do executes a request and classifies failures: order declines become
// broker.RejectedError, transport problems become wrapped ErrConnection.
func (c *Client) do(req *http.Request, out any, clientOrderID string) error {
	req.Header.Set("APCA-API-KEY-ID", c.key)
	req.Header.Set("APCA-API-SECRET-KEY", c.secret)
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", broker.ErrConnection, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", broker.ErrConnection, err)
	}

	if res.StatusCode >= 400 {
		var ae apiError
		msg := res.Status
		if json.Unmarshal(data, &ae) == nil && ae.Message != "" {
			msg = ae.Message
		}
		switch res.StatusCode {
		case http.StatusForbidden, http.StatusUnprocessableEntity:
			// Insufficient buying power, invalid parameters and the like.
			return &broker.RejectedError{ClientOrderID: clientOrderID, Reason: msg}
		default:
			return fmt.Errorf("%w: %s: %s", broker.ErrConnection, req.URL.Path, msg)
		}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
