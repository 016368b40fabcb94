package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trade-trigger/internal/config"
	"trade-trigger/internal/exchange"
)

type tickerClient interface {
	FetchTicker(ctx context.Context, symbol string) (exchange.Quote, error)
}

// Service 维护各交易对的最新报价缓存。
// 读取是最终一致的：读到的是上一次刷新成功的值，
// 陈旧程度以刷新间隔为上界，触发评估本身可以容忍这种近似。
type Service struct {
	client   tickerClient
	symbols  []string
	interval time.Duration
	logger   *zap.Logger

	mu     sync.RWMutex
	quotes map[string]exchange.Quote
}

// NewService 创建行情快照服务。
func NewService(client tickerClient, cfg config.MarketConfig, logger *zap.Logger) (*Service, error) {
	if client == nil {
		return nil, errors.New("market: 交易所客户端不能为空")
	}
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("market: 至少需要一个交易对")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	return &Service{
		client:   client,
		symbols:  cfg.Symbols,
		interval: interval,
		logger:   logger,
		quotes:   make(map[string]exchange.Quote, len(cfg.Symbols)),
	}, nil
}

// Run 启动刷新循环，直到 ctx 取消。
func (s *Service) Run(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("首次行情刷新失败", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Warn("行情刷新失败", zap.Error(err))
			}
		}
	}
}

// Refresh 并发拉取全部交易对的最新报价。
// 单个交易对失败不影响其它交易对的缓存更新。
func (s *Service) Refresh(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)

	var (
		errMu   sync.Mutex
		lastErr error
	)

	for _, symbol := range s.symbols {
		group.Go(func() error {
			quote, err := s.client.FetchTicker(groupCtx, symbol)
			if err != nil {
				errMu.Lock()
				lastErr = fmt.Errorf("拉取 %s 报价失败: %w", symbol, err)
				errMu.Unlock()
				return nil
			}
			if quote.Price <= 0 {
				return nil
			}

			s.mu.Lock()
			s.quotes[symbol] = quote
			s.mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}
	return lastErr
}

// LatestPrice 返回指定交易对的最新缓存报价，不存在时 ok 为 false。
func (s *Service) LatestPrice(symbol string) (exchange.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	quote, ok := s.quotes[symbol]
	return quote, ok
}
