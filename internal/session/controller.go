package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"mexc-quoter/gateway"
	"mexc-quoter/infrastructure/logger"
	"mexc-quoter/internal/engine"
	"mexc-quoter/market"
	"mexc-quoter/monitor"
)

// Config 一次会话的完整配置，由控制面随 start 请求提交。
// 凭证只进不出：状态查询不会回显。
type Config struct {
	APIKey            string  `json:"api_key"`
	SecretKey         string  `json:"secret_key"`
	Symbol            string  `json:"symbol"`
	BuyQuantity       float64 `json:"buy_quantity"`
	SellQuantity      float64 `json:"sell_quantity"`
	MaxPriceDeviation float64 `json:"max_price_deviation"`
}

// Defaults start 请求缺省项的来源，可被配置热更新覆盖。
type Defaults struct {
	MaxPriceDeviation float64
}

// ErrInvalidConfig 会话配置不合法，控制面映射为 4xx。
var ErrInvalidConfig = errors.New("invalid session config")

// Validate 校验并回填缺省值。
func (c *Config) Validate(d Defaults) error {
	if c.APIKey == "" || c.SecretKey == "" {
		return fmt.Errorf("%w: api_key/secret_key required", ErrInvalidConfig)
	}
	if c.Symbol == "" {
		return fmt.Errorf("%w: symbol required", ErrInvalidConfig)
	}
	if c.BuyQuantity <= 0 || c.SellQuantity <= 0 {
		return fmt.Errorf("%w: quantities must be > 0", ErrInvalidConfig)
	}
	if c.MaxPriceDeviation == 0 {
		c.MaxPriceDeviation = d.MaxPriceDeviation
	}
	if c.MaxPriceDeviation < 0 || c.MaxPriceDeviation >= 1 {
		return fmt.Errorf("%w: max_price_deviation must be in (0,1)", ErrInvalidConfig)
	}
	return nil
}

// FeedConn 已连接的行情源；生产实现为 market.WSClient。
type FeedConn interface {
	Subscribe(symbol string) error
	AddListener(l market.Listener)
	Close() error
}

// FeedDialer 建立行情连接；拨号失败向控制面报 5xx。
type FeedDialer func() (FeedConn, error)

// GatewayFactory 用会话凭证构建下单网关。
type GatewayFactory func(apiKey, secret string) (engine.Gateway, error)

// session 一次运行中的会话聚合。
type session struct {
	cfg    Config
	engine *engine.Engine
	feed   FeedConn
}

// Controller 持有进程内唯一活动会话，负责 feed → engine → gateway 接线。
// Start/Stop 在同一把锁下执行：旧会话完全落停后新会话才开始收行情。
type Controller struct {
	Dial       FeedDialer
	NewGateway GatewayFactory
	Logger     *logger.Logger
	Monitor    *monitor.Monitor

	mu       sync.Mutex
	defaults Defaults
	sess     *session
}

// NewController 创建会话控制器。
func NewController(dial FeedDialer, newGW GatewayFactory, log *logger.Logger, mon *monitor.Monitor) *Controller {
	if log == nil {
		log = logger.Nop()
	}
	return &Controller{
		Dial:       dial,
		NewGateway: newGW,
		Logger:     log,
		Monitor:    mon,
		defaults:   Defaults{MaxPriceDeviation: 0.05},
	}
}

// SetDefaults 更新缺省参数（配置热更新回调），对下一次 Start 生效。
func (c *Controller) SetDefaults(d Defaults) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.MaxPriceDeviation > 0 && d.MaxPriceDeviation < 1 {
		c.defaults = d
	}
}

// Start 启动新会话；已有会话先停（撤掉其挂单）再启，保证进程内至多一个。
func (c *Controller) Start(cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := cfg.Validate(c.defaults); err != nil {
		return err
	}

	if c.sess != nil {
		c.Logger.Info("stopping previous session before start",
			zap.String("symbol", c.sess.cfg.Symbol))
		c.stopLocked()
	}

	gw, err := c.NewGateway(cfg.APIKey, cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Symbol:       cfg.Symbol,
		BuyQuantity:  decimal.NewFromFloat(cfg.BuyQuantity),
		SellQuantity: decimal.NewFromFloat(cfg.SellQuantity),
		MaxDeviation: decimal.NewFromFloat(cfg.MaxPriceDeviation),
	}, gw, c.Logger, c.Monitor)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	feed, err := c.Dial()
	if err != nil {
		return fmt.Errorf("connect market feed: %w", err)
	}
	if err := feed.Subscribe(cfg.Symbol); err != nil {
		_ = feed.Close()
		return fmt.Errorf("subscribe %s: %w", cfg.Symbol, err)
	}
	feed.AddListener(eng.OnBookUpdate)
	eng.Start()

	c.sess = &session{cfg: cfg, engine: eng, feed: feed}
	if c.Monitor != nil {
		c.Monitor.UpdateSessionRunning(true)
	}
	c.Logger.Info("session started", zap.String("symbol", cfg.Symbol))
	return nil
}

// Stop 停止当前会话；无会话时为 no-op。
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// stopLocked 调用方必须持锁。先停引擎（撤双侧挂单），再断行情。
func (c *Controller) stopLocked() {
	if c.sess == nil {
		return
	}
	sess := c.sess
	sess.engine.Stop()
	if err := sess.feed.Close(); err != nil {
		c.Logger.Warn("feed close failed", zap.Error(err))
	}
	c.sess = nil
	if c.Monitor != nil {
		c.Monitor.UpdateSessionRunning(false)
	}
	c.Logger.Info("session stopped", zap.String("symbol", sess.cfg.Symbol))
}

// OrderStatus 状态查询中的单侧挂单。
type OrderStatus struct {
	OrderID  string `json:"order_id"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// Status 控制面可见的会话状态。缺失字段为 null。
type Status struct {
	Running          bool         `json:"running"`
	Symbol           string       `json:"symbol,omitempty"`
	CurrentBuyOrder  *OrderStatus `json:"current_buy_order"`
	CurrentSellOrder *OrderStatus `json:"current_sell_order"`
	InitialPrice     *string      `json:"initial_price"`
	BestBid          *string      `json:"best_bid"`
	BestAsk          *string      `json:"best_ask"`
	Spread           *string      `json:"spread"`
	Message          string       `json:"message,omitempty"`
}

// Status 返回当前会话的只读状态。
func (c *Controller) Status() Status {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess == nil {
		return Status{Running: false, Message: "no active session"}
	}

	snap := sess.engine.Snapshot()
	st := Status{
		Running: snap.Running,
		Symbol:  snap.Symbol,
	}
	if snap.Buy != nil {
		st.CurrentBuyOrder = orderStatus(snap.Buy)
	}
	if snap.Sell != nil {
		st.CurrentSellOrder = orderStatus(snap.Sell)
	}
	if snap.AnchorSet {
		st.InitialPrice = strPtr(snap.Anchor.String())
	}
	if snap.Book.HasBid {
		st.BestBid = strPtr(snap.Book.BestBid.String())
	}
	if snap.Book.HasAsk {
		st.BestAsk = strPtr(snap.Book.BestAsk.String())
	}
	if snap.Book.Ready() {
		st.Spread = strPtr(snap.Book.Spread().String())
	}
	return st
}

func orderStatus(o *engine.RestingOrder) *OrderStatus {
	return &OrderStatus{
		OrderID:  o.OrderID,
		Side:     o.Side,
		Price:    o.Price.String(),
		Quantity: o.Quantity.String(),
	}
}

func strPtr(s string) *string { return &s }

// RESTGatewayFactory 生产环境网关工厂：带限流的 MEXC REST 客户端。
func RESTGatewayFactory(baseURL string, limiter gateway.RateLimiter) GatewayFactory {
	return func(apiKey, secret string) (engine.Gateway, error) {
		cli, err := gateway.NewMexcRESTClient(apiKey, secret)
		if err != nil {
			return nil, err
		}
		if baseURL != "" {
			cli.BaseURL = baseURL
		}
		cli.Limiter = limiter
		return cli, nil
	}
}
