package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"mexc-quoter/infrastructure/logger"
	"mexc-quoter/market"
	"mexc-quoter/monitor"
)

// 报价方向。
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// TickSize 最小报价步长，同时作为替换报价的迟滞阈值：
// 目标价与在挂价偏离不超过一个 tick 时不动单，把连续的行情噪声
// 收敛为有限的下单/撤单频率。
var TickSize = decimal.RequireFromString("0.00001")

// 默认最大偏离比例（相对会话锚定价）。
var defaultMaxDeviation = decimal.RequireFromString("0.05")

var one = decimal.NewFromInt(1)

// Gateway 下单/撤单抽象；生产实现为 gateway.MexcRESTClient。
type Gateway interface {
	PlaceLimit(symbol, side string, quantity, price decimal.Decimal) (string, error)
	CancelOrder(symbol, orderID string) error
}

// Config 引擎配置
type Config struct {
	Symbol       string
	BuyQuantity  decimal.Decimal
	SellQuantity decimal.Decimal
	MaxDeviation decimal.Decimal // 相对锚定价的最大偏离比例，零值取 0.05
}

// RestingOrder 某一侧当前在交易所挂着的限价单。
type RestingOrder struct {
	OrderID  string
	Side     string
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// sideState 每侧独立演化：无单 / 在挂(price)。只被 run goroutine 写入。
type sideState struct {
	side    string
	qty     decimal.Decimal
	resting *RestingOrder
}

// Statistics 引擎统计信息
type Statistics struct {
	TotalUpdates  int64
	TotalReplaces int64
	TotalErrors   int64
	LastUpdate    time.Time
}

// Engine 报价引擎：消费盘口更新，为买卖双侧各维护一张跟随盘口、
// 受锚定价偏离带约束的限价单。
//
// 并发模型：所有决策与挂单状态变更都发生在单个 run goroutine 中。
// OnBookUpdate 只向容量为 1 的信箱投递最新快照（旧快照被覆盖），
// 因此一次 cancel/place 往返期间涌入的行情会合并为最新一条——
// 报价基于的价格可能短暂过期，下一条更新即自愈。
type Engine struct {
	cfg Config
	gw  Gateway
	log *logger.Logger
	mon *monitor.Monitor

	mailbox  chan market.BookTicker
	stopChan chan struct{}
	doneChan chan struct{}

	// mu 只保护状态快照的对外可见性；变更仍全部来自 run goroutine。
	mu        sync.RWMutex
	running   bool
	anchorSet bool
	anchor    decimal.Decimal
	lower     decimal.Decimal
	upper     decimal.Decimal
	buy       sideState
	sell      sideState
	book      market.BookTicker
	stats     Statistics
}

// New 创建报价引擎。
func New(cfg Config, gw Gateway, log *logger.Logger, mon *monitor.Monitor) (*Engine, error) {
	if cfg.Symbol == "" {
		return nil, errors.New("symbol is required")
	}
	if gw == nil {
		return nil, errors.New("gateway is required")
	}
	if !cfg.BuyQuantity.IsPositive() {
		return nil, fmt.Errorf("buy quantity must be > 0, got %s", cfg.BuyQuantity)
	}
	if !cfg.SellQuantity.IsPositive() {
		return nil, fmt.Errorf("sell quantity must be > 0, got %s", cfg.SellQuantity)
	}
	if cfg.MaxDeviation.IsZero() {
		cfg.MaxDeviation = defaultMaxDeviation
	}
	if cfg.MaxDeviation.IsNegative() || cfg.MaxDeviation.GreaterThanOrEqual(one) {
		return nil, fmt.Errorf("max deviation must be in (0,1), got %s", cfg.MaxDeviation)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{
		cfg:      cfg,
		gw:       gw,
		log:      log,
		mon:      mon,
		mailbox:  make(chan market.BookTicker, 1),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
		buy:      sideState{side: SideBuy, qty: cfg.BuyQuantity},
		sell:     sideState{side: SideSell, qty: cfg.SellQuantity},
	}, nil
}

// Start 启动 run goroutine 并开始接收盘口更新。
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go e.run()
	e.log.Info("quoting engine started",
		zap.String("symbol", e.cfg.Symbol),
		zap.String("max_deviation", e.cfg.MaxDeviation.String()))
}

// OnBookUpdate 行情回调。只投递，不处理：信箱满时丢弃旧快照换入新快照，
// 保证 run goroutine 永远拿到最新盘口且调用方不被阻塞。
func (e *Engine) OnBookUpdate(book market.BookTicker) {
	select {
	case e.mailbox <- book:
	default:
		select {
		case <-e.mailbox:
		default:
		}
		select {
		case e.mailbox <- book:
		default:
		}
	}
}

func (e *Engine) run() {
	defer close(e.doneChan)
	for {
		select {
		case <-e.stopChan:
			return
		case book := <-e.mailbox:
			e.process(book)
		}
	}
}

// process 串行处理一条盘口快照。对应每侧的状态机推进。
func (e *Engine) process(book market.BookTicker) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.book = book
	e.stats.TotalUpdates++
	e.stats.LastUpdate = time.Now()
	e.mu.Unlock()

	if e.mon != nil {
		e.mon.RecordBookUpdate()
	}
	if !book.Ready() {
		return
	}
	// 行情源偶发的倒挂盘口：跳过本次报价，等待下一条。
	if book.BestAsk.LessThan(book.BestBid) {
		e.log.Warn("crossed book, skipping tick",
			zap.String("bid", book.BestBid.String()),
			zap.String("ask", book.BestAsk.String()))
		return
	}
	if e.mon != nil {
		bid, _ := book.BestBid.Float64()
		ask, _ := book.BestAsk.Float64()
		spread, _ := book.Spread().Float64()
		e.mon.UpdateBook(bid, ask, spread)
	}

	if !e.anchorSet {
		e.setAnchor(book.Mid())
	}

	// 买侧贴着买一上浮一个 tick，不低于偏离带下沿。
	buyTarget := book.BestBid.Add(TickSize)
	if buyTarget.LessThan(e.lower) {
		buyTarget = e.lower
	}
	// 卖侧贴着卖一下压一个 tick，不高于偏离带上沿。
	sellTarget := book.BestAsk.Sub(TickSize)
	if sellTarget.GreaterThan(e.upper) {
		sellTarget = e.upper
	}
	// 注意：买卖目标只各自对锚定带钳制，宽偏离带下两者可能交叉。

	e.updateSide(&e.buy, buyTarget)
	e.updateSide(&e.sell, sellTarget)
}

// setAnchor 锚定价取会话内首个完整盘口的中间价，之后不再变化。
func (e *Engine) setAnchor(mid decimal.Decimal) {
	e.mu.Lock()
	e.anchor = mid
	e.lower = mid.Mul(one.Sub(e.cfg.MaxDeviation))
	e.upper = mid.Mul(one.Add(e.cfg.MaxDeviation))
	e.anchorSet = true
	e.mu.Unlock()

	e.log.Info("price anchor set",
		zap.String("symbol", e.cfg.Symbol),
		zap.String("anchor", mid.String()),
		zap.String("lower", e.lower.String()),
		zap.String("upper", e.upper.String()))
	if e.mon != nil {
		a, _ := mid.Float64()
		e.mon.UpdateAnchor(a)
	}
}

// updateSide 判断该侧是否需要替换挂单；亚 tick 漂移不动单。
func (e *Engine) updateSide(s *sideState, target decimal.Decimal) {
	if s.resting != nil && target.Sub(s.resting.Price).Abs().LessThanOrEqual(TickSize) {
		return
	}
	e.replace(s, target)
}

// replace 先撤旧单再挂新单。撤单失败不阻止挂新单——宁可短暂双挂
// 也不让该侧空窗；挂单失败则该侧转为无单，下一条行情重试。
func (e *Engine) replace(s *sideState, target decimal.Decimal) {
	if e.mon != nil {
		e.mon.RecordReplace(s.side)
	}
	e.mu.Lock()
	e.stats.TotalReplaces++
	e.mu.Unlock()

	if s.resting != nil {
		stale := s.resting
		if err := e.gw.CancelOrder(e.cfg.Symbol, stale.OrderID); err != nil {
			e.recordError()
			if e.mon != nil {
				e.mon.RecordCancelFailure(s.side)
			}
			e.log.Error("cancel failed, placing replacement anyway",
				zap.String("side", s.side),
				zap.String("order_id", stale.OrderID),
				zap.String("stale_price", stale.Price.String()),
				zap.Error(err))
		} else if e.mon != nil {
			e.mon.RecordOrderCanceled(s.side)
		}
		e.setResting(s, nil)
	}

	orderID, err := e.gw.PlaceLimit(e.cfg.Symbol, s.side, s.qty, target)
	if err != nil {
		e.recordError()
		if e.mon != nil {
			e.mon.RecordOrderRejected(s.side)
		}
		e.log.Error("place failed, side unquoted until next tick",
			zap.String("side", s.side),
			zap.String("price", target.String()),
			zap.Error(err))
		return
	}
	e.setResting(s, &RestingOrder{
		OrderID:  orderID,
		Side:     s.side,
		Price:    target,
		Quantity: s.qty,
	})
	if e.mon != nil {
		e.mon.RecordOrderPlaced(s.side)
	}
	e.log.Debug("quote replaced",
		zap.String("side", s.side),
		zap.String("order_id", orderID),
		zap.String("price", target.String()))
}

func (e *Engine) setResting(s *sideState, o *RestingOrder) {
	e.mu.Lock()
	s.resting = o
	e.mu.Unlock()
}

func (e *Engine) recordError() {
	e.mu.Lock()
	e.stats.TotalErrors++
	e.mu.Unlock()
}

// Stop 停止引擎并撤掉双侧挂单。两侧独立尝试，单侧失败不影响另一侧；
// 撤单失败只记日志，Stop 总是完成。幂等。
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	select {
	case <-e.stopChan:
	default:
		close(e.stopChan)
	}
	select {
	case <-e.doneChan:
	case <-time.After(5 * time.Second):
		e.log.Warn("timeout waiting for engine loop to stop")
	}

	for _, s := range []*sideState{&e.buy, &e.sell} {
		if s.resting == nil {
			continue
		}
		if err := e.gw.CancelOrder(e.cfg.Symbol, s.resting.OrderID); err != nil {
			e.log.Error("cancel on stop failed",
				zap.String("side", s.side),
				zap.String("order_id", s.resting.OrderID),
				zap.Error(err))
		} else if e.mon != nil {
			e.mon.RecordOrderCanceled(s.side)
		}
		e.setResting(s, nil)
	}
	e.log.Info("quoting engine stopped", zap.String("symbol", e.cfg.Symbol))
}

// Snapshot 引擎状态只读快照，供控制面查询。
type Snapshot struct {
	Running   bool
	Symbol    string
	AnchorSet bool
	Anchor    decimal.Decimal
	Buy       *RestingOrder
	Sell      *RestingOrder
	Book      market.BookTicker
	Stats     Statistics
}

// Snapshot 返回当前状态的副本。
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap := Snapshot{
		Running:   e.running,
		Symbol:    e.cfg.Symbol,
		AnchorSet: e.anchorSet,
		Anchor:    e.anchor,
		Book:      e.book,
		Stats:     e.stats,
	}
	if e.buy.resting != nil {
		o := *e.buy.resting
		snap.Buy = &o
	}
	if e.sell.resting != nil {
		o := *e.sell.resting
		snap.Sell = &o
	}
	return snap
}
