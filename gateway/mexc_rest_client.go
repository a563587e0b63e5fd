package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// MexcRESTEndpoint MEXC 现货 REST 基地址。
	MexcRESTEndpoint = "https://api.mexc.com"
	orderPath        = "/api/v3/order"
)

// OrderHandle 交易所确认后的挂单句柄。
type OrderHandle struct {
	OrderID  string
	Symbol   string
	Side     string
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// MexcRESTClient 签名下单/撤单客户端。HTTPClient 可注入 httptest，不发起真实网络调用。
// 本层不做重试：拒单与网络错误一律交给调用方按"该侧暂不挂单"处理。
type MexcRESTClient struct {
	BaseURL    string
	APIKey     string
	Secret     string
	HTTPClient *http.Client
	Limiter    RateLimiter

	mu     sync.Mutex
	placed map[string]OrderHandle // 本客户端下出的挂单，仅作参考记录
}

// NewMexcRESTClient 构建带默认超时的客户端；凭证为空返回 ErrAuth。
func NewMexcRESTClient(apiKey, secret string) (*MexcRESTClient, error) {
	if apiKey == "" || secret == "" {
		return nil, ErrAuth
	}
	return &MexcRESTClient{
		BaseURL:    MexcRESTEndpoint,
		APIKey:     apiKey,
		Secret:     secret,
		HTTPClient: NewDefaultHTTPClient(),
	}, nil
}

type placeResp struct {
	OrderID json.Number `json:"orderId"`
}

// PlaceLimit 调用 /api/v3/order 挂 LIMIT 单，成功返回交易所分配的 orderId。
func (c *MexcRESTClient) PlaceLimit(symbol, side string, quantity, price decimal.Decimal) (string, error) {
	if c == nil || c.HTTPClient == nil {
		return "", fmt.Errorf("http client not set")
	}
	params := map[string]string{
		"symbol":   symbol,
		"side":     side,
		"type":     "LIMIT",
		"quantity": quantity.String(),
		"price":    price.String(),
	}
	body, status, err := c.do(http.MethodPost, params)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", &RejectedError{Action: "place", Status: status, Body: string(body)}
	}
	var pr placeResp
	if err := json.Unmarshal(body, &pr); err != nil {
		return "", fmt.Errorf("decode place response: %w", err)
	}
	id := pr.OrderID.String()
	if id == "" {
		return "", &RejectedError{Action: "place", Status: status, Body: "missing orderId"}
	}
	c.mu.Lock()
	if c.placed == nil {
		c.placed = make(map[string]OrderHandle)
	}
	c.placed[id] = OrderHandle{OrderID: id, Symbol: symbol, Side: side, Quantity: quantity, Price: price}
	c.mu.Unlock()
	return id, nil
}

// CancelOrder 调用 /api/v3/order 撤单。是否致命由调用方决定。
func (c *MexcRESTClient) CancelOrder(symbol, orderID string) error {
	if c == nil || c.HTTPClient == nil {
		return fmt.Errorf("http client not set")
	}
	params := map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	}
	body, status, err := c.do(http.MethodDelete, params)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &RejectedError{Action: "cancel", Status: status, Body: string(body)}
	}
	c.mu.Lock()
	delete(c.placed, orderID)
	c.mu.Unlock()
	return nil
}

// PlacedOrders 返回本客户端记录的挂单副本。
func (c *MexcRESTClient) PlacedOrders() []OrderHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]OrderHandle, 0, len(c.placed))
	for _, h := range c.placed {
		out = append(out, h)
	}
	return out
}

func (c *MexcRESTClient) do(method string, params map[string]string) ([]byte, int, error) {
	if c.Limiter != nil {
		c.Limiter.Wait()
	}
	query, sig := SignParams(params, c.Secret)
	endpoint := c.BaseURL + orderPath + "?" + query + "&signature=" + url.QueryEscape(sig)
	req, err := http.NewRequest(method, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("X-MEXC-APIKEY", c.APIKey)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}
