package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器
type Monitor struct {
	registry *prometheus.Registry

	// 行情指标
	bookUpdates prometheus.Counter
	bidPrice    prometheus.Gauge
	askPrice    prometheus.Gauge
	spread      prometheus.Gauge
	anchorPrice prometheus.Gauge

	// 报价指标
	quoteReplaces  *prometheus.CounterVec
	ordersPlaced   *prometheus.CounterVec
	ordersCanceled *prometheus.CounterVec
	ordersRejected *prometheus.CounterVec
	cancelFailures *prometheus.CounterVec

	// 系统指标
	sessionRunning prometheus.Gauge
	wsDisconnects  prometheus.Counter
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "mexc",
		Subsystem: "quoter",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Monitor{
		registry: reg,

		bookUpdates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "book_updates_total",
			Help:      "盘口更新总数",
		}),
		bidPrice: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "bid_price",
			Help:      "当前买一价",
		}),
		askPrice: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ask_price",
			Help:      "当前卖一价",
		}),
		spread: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "spread",
			Help:      "当前价差",
		}),
		anchorPrice: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "anchor_price",
			Help:      "会话锚定价（首个完整盘口的中间价）",
		}),

		quoteReplaces: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "quote_replaces_total",
				Help:      "报价替换次数",
			},
			[]string{"side"},
		),
		ordersPlaced: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "orders_placed_total",
				Help:      "订单下单总数",
			},
			[]string{"side"},
		),
		ordersCanceled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "orders_canceled_total",
				Help:      "订单撤单总数",
			},
			[]string{"side"},
		),
		ordersRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "orders_rejected_total",
				Help:      "订单拒绝总数",
			},
			[]string{"side"},
		),
		cancelFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "cancel_failures_total",
				Help:      "撤单失败总数（容忍后继续下新单）",
			},
			[]string{"side"},
		),

		sessionRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "session_running",
			Help:      "会话运行状态(0/1)",
		}),
		wsDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_disconnects_total",
			Help:      "WebSocket断开次数",
		}),
	}

	return m
}

func (m *Monitor) RecordBookUpdate() {
	m.bookUpdates.Inc()
}

func (m *Monitor) UpdateBook(bid, ask, spread float64) {
	m.bidPrice.Set(bid)
	m.askPrice.Set(ask)
	m.spread.Set(spread)
}

func (m *Monitor) UpdateAnchor(price float64) {
	m.anchorPrice.Set(price)
}

func (m *Monitor) RecordReplace(side string) {
	m.quoteReplaces.WithLabelValues(side).Inc()
}

func (m *Monitor) RecordOrderPlaced(side string) {
	m.ordersPlaced.WithLabelValues(side).Inc()
}

func (m *Monitor) RecordOrderCanceled(side string) {
	m.ordersCanceled.WithLabelValues(side).Inc()
}

func (m *Monitor) RecordOrderRejected(side string) {
	m.ordersRejected.WithLabelValues(side).Inc()
}

func (m *Monitor) RecordCancelFailure(side string) {
	m.cancelFailures.WithLabelValues(side).Inc()
}

func (m *Monitor) UpdateSessionRunning(running bool) {
	if running {
		m.sessionRunning.Set(1)
	} else {
		m.sessionRunning.Set(0)
	}
}

func (m *Monitor) RecordWSDisconnect() {
	m.wsDisconnects.Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
