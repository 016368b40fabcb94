package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"trade-trigger/internal/config"
	"trade-trigger/internal/trade"
)

// Client 负责与交易所交互并实现重试机制。
// 行情走公共实例，下单与对账按用户凭证走独立会话。
type Client struct {
	cfg    config.ExchangeConfig
	logger *zap.Logger

	public   *ccxt.Deribit
	sessions map[int64]*ccxt.Deribit

	marketsMu sync.Mutex
	loaded    map[*ccxt.Deribit]bool
}

// NewClient 构造 Deribit 客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		cfg:      cfg,
		logger:   logger,
		public:   newSession(cfg, config.AccountConfig{}),
		sessions: make(map[int64]*ccxt.Deribit, len(cfg.Accounts)),
		loaded:   make(map[*ccxt.Deribit]bool),
	}

	for _, acct := range cfg.Accounts {
		c.sessions[acct.UserID] = newSession(cfg, acct)
	}

	return c, nil
}

func newSession(cfg config.ExchangeConfig, acct config.AccountConfig) *ccxt.Deribit {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if acct.APIKey != "" {
		userConfig["apiKey"] = acct.APIKey
	}
	if acct.APISecret != "" {
		userConfig["secret"] = acct.APISecret
	}

	ex := ccxt.NewDeribit(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}
	return ex
}

func (c *Client) session(userID int64) (*ccxt.Deribit, error) {
	sess, ok := c.sessions[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user_id=%d", ErrNoAccount, userID)
	}
	return sess, nil
}

// FetchTicker 获取指定交易对的最新报价。
func (c *Client) FetchTicker(ctx context.Context, symbol string) (Quote, error) {
	var raw ccxt.Ticker

	err := c.callWithRetry(ctx, fmt.Sprintf("fetch_ticker_%s", symbol), func() error {
		if err := c.ensureMarketsLoaded(ctx, c.public); err != nil {
			return err
		}
		ticker, err := c.public.FetchTicker(symbol)
		if err != nil {
			return err
		}
		raw = ticker
		return nil
	})
	if err != nil {
		return Quote{}, err
	}

	price := derefFloat(raw.Last)
	if price <= 0 {
		price = derefFloat(raw.Close)
	}
	if price <= 0 {
		bid := derefFloat(raw.Bid)
		ask := derefFloat(raw.Ask)
		if bid > 0 && ask > 0 {
			price = (bid + ask) / 2
		}
	}

	ts := time.Now().UTC()
	if raw.Timestamp != nil {
		ts = time.UnixMilli(int64(*raw.Timestamp)).UTC()
	}

	return Quote{Symbol: symbol, Price: price, UpdatedAt: ts}, nil
}

// SubmitOrder 按模板提交委托，返回交易所确认。
func (c *Client) SubmitOrder(ctx context.Context, userID int64, req OrderRequest) (OrderAck, error) {
	sess, err := c.session(userID)
	if err != nil {
		return OrderAck{}, err
	}

	params := map[string]interface{}{}
	if req.ClientOrderID != "" {
		params["clientOrderId"] = req.ClientOrderID
	}
	if req.Leverage > 0 {
		params["leverage"] = req.Leverage
	}
	if req.StopLoss > 0 {
		params["stopLossPrice"] = req.StopLoss
	}
	if req.TakeProfit > 0 {
		params["takeProfitPrice"] = req.TakeProfit
	}
	if req.Settlement != "" {
		params["settlement"] = req.Settlement
	}

	var raw ccxt.Order
	err = c.callWithRetry(ctx, fmt.Sprintf("submit_order_%s", req.Symbol), func() error {
		if err := c.ensureMarketsLoaded(ctx, sess); err != nil {
			return err
		}

		var callErr error
		switch req.Kind {
		case "market":
			raw, callErr = sess.CreateMarketOrder(req.Symbol, req.Side, req.Quantity,
				ccxt.WithCreateMarketOrderParams(params))
		case "limit":
			raw, callErr = sess.CreateLimitOrder(req.Symbol, req.Side, req.Quantity, req.LimitPrice,
				ccxt.WithCreateLimitOrderParams(params))
		default:
			return fmt.Errorf("exchange: 不支持的委托类型 %q", req.Kind)
		}
		return callErr
	})
	if err != nil {
		return OrderAck{}, err
	}

	ack := OrderAck{
		ExternalID: derefString(raw.Id),
		AvgPrice:   derefFloat(raw.Average),
		Status:     derefString(raw.Status),
	}
	if ack.AvgPrice <= 0 {
		ack.AvgPrice = derefFloat(raw.Price)
	}
	if ack.ExternalID == "" {
		return OrderAck{}, errors.New("exchange: 交易所未返回订单ID")
	}
	return ack, nil
}

// FetchTrades 拉取用户在交易所侧的交易快照，并折算状态标志位。
// 已完全成交的委托若其交易对仍有持仓则视为 running，否则视为 closed。
func (c *Client) FetchTrades(ctx context.Context, userID int64, scope trade.Scope) ([]TradeRecord, error) {
	sess, err := c.session(userID)
	if err != nil {
		return nil, err
	}

	var (
		openOrders   []ccxt.Order
		closedOrders []ccxt.Order
		positions    []ccxt.Position
	)

	err = c.callWithRetry(ctx, "fetch_trades", func() error {
		if err := c.ensureMarketsLoaded(ctx, sess); err != nil {
			return err
		}
		var callErr error
		if openOrders, callErr = sess.FetchOpenOrders(); callErr != nil {
			return callErr
		}
		if closedOrders, callErr = sess.FetchClosedOrders(); callErr != nil {
			return callErr
		}
		if positions, callErr = sess.FetchPositions(); callErr != nil {
			return callErr
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	live := make(map[string]bool, len(positions))
	for _, pos := range positions {
		if derefFloat(pos.Contracts) != 0 {
			live[strings.ToUpper(derefString(pos.Symbol))] = true
		}
	}

	records := make([]TradeRecord, 0, len(openOrders)+len(closedOrders))
	for _, order := range openOrders {
		rec := convertOrder(order)
		rec.Flags = StatusFlags{Open: true}
		records = append(records, rec)
	}
	for _, order := range closedOrders {
		rec := convertOrder(order)
		status := strings.ToLower(derefString(order.Status))
		switch {
		case status == "canceled" || status == "cancelled":
			rec.Flags = StatusFlags{Canceled: true}
		case live[strings.ToUpper(rec.Symbol)]:
			rec.Flags = StatusFlags{Running: true}
		default:
			rec.Flags = StatusFlags{Closed: true}
		}
		records = append(records, rec)
	}

	return filterScope(records, scope), nil
}

// CloseAll 以市价反向单平掉用户全部持仓。
func (c *Client) CloseAll(ctx context.Context, userID int64) error {
	sess, err := c.session(userID)
	if err != nil {
		return err
	}

	var positions []ccxt.Position
	err = c.callWithRetry(ctx, "fetch_positions", func() error {
		if err := c.ensureMarketsLoaded(ctx, sess); err != nil {
			return err
		}
		var callErr error
		positions, callErr = sess.FetchPositions()
		return callErr
	})
	if err != nil {
		return err
	}

	var result error
	for _, pos := range positions {
		size := derefFloat(pos.Contracts)
		if size == 0 {
			continue
		}
		symbol := derefString(pos.Symbol)
		side := "sell"
		if strings.EqualFold(derefString(pos.Side), "short") {
			side = "buy"
		}

		submitErr := c.callWithRetry(ctx, fmt.Sprintf("close_position_%s", symbol), func() error {
			_, callErr := sess.CreateMarketOrder(symbol, side, size,
				ccxt.WithCreateMarketOrderParams(map[string]interface{}{"reduceOnly": true}))
			return callErr
		})
		if submitErr != nil {
			result = multierr.Append(result, fmt.Errorf("平仓 %s 失败: %w", symbol, submitErr))
		}
	}

	if result != nil {
		return fmt.Errorf("exchange: 批量平仓未全部完成: %w", result)
	}
	return nil
}

// CancelAll 撤销用户全部未成交委托。
func (c *Client) CancelAll(ctx context.Context, userID int64) error {
	sess, err := c.session(userID)
	if err != nil {
		return err
	}

	var openOrders []ccxt.Order
	err = c.callWithRetry(ctx, "fetch_open_orders", func() error {
		if err := c.ensureMarketsLoaded(ctx, sess); err != nil {
			return err
		}
		var callErr error
		openOrders, callErr = sess.FetchOpenOrders()
		return callErr
	})
	if err != nil {
		return err
	}

	var result error
	for _, order := range openOrders {
		id := derefString(order.Id)
		symbol := derefString(order.Symbol)
		if id == "" {
			continue
		}
		cancelErr := c.callWithRetry(ctx, fmt.Sprintf("cancel_order_%s", id), func() error {
			_, callErr := sess.CancelOrder(id, ccxt.WithCancelOrderSymbol(symbol))
			return callErr
		})
		if cancelErr != nil {
			result = multierr.Append(result, fmt.Errorf("撤单 %s 失败: %w", id, cancelErr))
		}
	}

	if result != nil {
		return fmt.Errorf("exchange: 批量撤单未全部完成: %w", result)
	}
	return nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context, sess *ccxt.Deribit) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.loaded[sess] {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if _, err := sess.LoadMarkets(); err != nil {
		return err
	}
	c.loaded[sess] = true
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := c.classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		if ccxtErr.Type == ccxt.OnMaintenanceErrType {
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		}
		return err, IsRetryable(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

func convertOrder(order ccxt.Order) TradeRecord {
	rec := TradeRecord{
		ExternalID: derefString(order.Id),
		Symbol:     derefString(order.Symbol),
		Side:       strings.ToLower(derefString(order.Side)),
		Kind:       strings.ToLower(derefString(order.Type)),
		Quantity:   derefFloat(order.Amount),
		EntryPrice: derefFloat(order.Average),
	}
	if rec.EntryPrice <= 0 {
		rec.EntryPrice = derefFloat(order.Price)
	}
	if order.Timestamp != nil {
		rec.Timestamp = time.UnixMilli(int64(*order.Timestamp)).UTC()
	}

	if order.Info != nil {
		if v := parseNumeric(order.Info["realized_profit_loss"]); v != 0 {
			rec.PnL = v
		}
		if v := parseNumeric(order.Info["commission"]); v != 0 {
			rec.Fee = v
		}
		if v := parseNumeric(order.Info["exit_price"]); v > 0 {
			rec.ExitPrice = v
		}
	}

	return rec
}

// filterScope 按照 closed > running > open > canceled 的优先级过滤。
func filterScope(records []TradeRecord, scope trade.Scope) []TradeRecord {
	if scope == trade.ScopeAll || scope == "" {
		return records
	}

	out := records[:0]
	for _, rec := range records {
		f := rec.Flags
		var keep bool
		switch scope {
		case trade.ScopeClosed:
			keep = f.Closed
		case trade.ScopeRunning:
			keep = !f.Closed && f.Running
		case trade.ScopeOpen:
			keep = !f.Closed && !f.Running && f.Open
		}
		if keep {
			out = append(out, rec)
		}
	}
	return out
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func parseNumeric(v interface{}) float64 {
	switch value := v.(type) {
	case float64:
		return value
	case float32:
		return float64(value)
	case int:
		return float64(value)
	case int64:
		return float64(value)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
