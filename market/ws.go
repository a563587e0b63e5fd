package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mexc-quoter/infrastructure/logger"
)

// MexcWSEndpoint MEXC 现货行情 WS 地址。
const MexcWSEndpoint = "wss://wbs.mexc.com/ws"

const (
	pingInterval = 20 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 5 * time.Second
)

// subscribeRequest 对应 MEXC 的 SUBSCRIPTION 请求。
type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// WSClient 连接 MEXC 行情流，将 bookTicker 推送写入 Feed。
// 读循环退出即标记 Feed 停止（不再报价），不做自动重连。
type WSClient struct {
	Endpoint string
	Dialer   *websocket.Dialer

	feed *Feed
	log  *logger.Logger

	mu       sync.Mutex // 串行化写（订阅请求 / ping 控制帧）
	conn     *websocket.Conn
	stopChan chan struct{}
	doneChan chan struct{}
}

func NewWSClient(feed *Feed, log *logger.Logger) *WSClient {
	if log == nil {
		log = logger.Nop()
	}
	return &WSClient{
		Endpoint: MexcWSEndpoint,
		Dialer:   websocket.DefaultDialer,
		feed:     feed,
		log:      log,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Connect 建立连接并启动读循环与 ping 保活。
func (c *WSClient) Connect() error {
	conn, _, err := c.Dialer.Dial(c.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.Endpoint, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.log.Info("market ws connected", zap.String("endpoint", c.Endpoint))

	go c.readLoop()
	go c.pingLoop()
	return nil
}

// Subscribe 订阅交易对的 bookTicker 频道并在 Feed 中登记。
func (c *WSClient) Subscribe(symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("ws not connected")
	}
	c.feed.Subscribe(symbol)
	req := subscribeRequest{
		Method: "SUBSCRIPTION",
		Params: []string{BookTickerChannel + "@" + symbol},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("subscribe %s: %w", symbol, err)
	}
	c.log.Info("subscribed", zap.String("symbol", symbol))
	return nil
}

// AddListener 注册盘口监听者。
func (c *WSClient) AddListener(l Listener) {
	c.feed.AddListener(l)
}

// Close 关闭连接；读循环随之退出。
func (c *WSClient) Close() error {
	select {
	case <-c.stopChan:
	default:
		close(c.stopChan)
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *WSClient) readLoop() {
	defer close(c.doneChan)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopChan:
				// 主动关闭
			default:
				c.log.Warn("market ws disconnected", zap.Error(err))
			}
			c.feed.MarkStopped()
			return
		}
		symbol, upd, err := ParseBookTicker(raw)
		if err != nil {
			if !errors.Is(err, ErrNotTicker) {
				c.log.Debug("skip ws message", zap.Error(err))
			}
			continue
		}
		c.feed.Apply(symbol, upd)
	}
}

func (c *WSClient) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-c.doneChan:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			if conn != nil {
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			}
			c.mu.Unlock()
		}
	}
}
