package market

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// BookTickerChannel bookTicker 订阅频道前缀，完整形式为 <prefix>@<SYMBOL>。
const BookTickerChannel = "spot@public.bookTicker.v3.api"

// wsMessage 对应 MEXC 推送的外层包装。
type wsMessage struct {
	Channel string          `json:"c"`
	Data    json.RawMessage `json:"d"`
}

// tickerData bookTicker 消息体：b/B 买一价量，a/A 卖一价量。
type tickerData struct {
	Bid    json.Number `json:"b"`
	BidQty json.Number `json:"B"`
	Ask    json.Number `json:"a"`
	AskQty json.Number `json:"A"`
}

// ErrNotTicker 非 bookTicker 推送（订阅确认、PONG 等），调用方直接忽略。
var ErrNotTicker = fmt.Errorf("not a bookTicker message")

// ParseBookTicker 解析一条原始 WS 消息，返回交易对与盘口增量。
func ParseBookTicker(raw []byte) (symbol string, upd TickerUpdate, err error) {
	var msg wsMessage
	if err = json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if !strings.Contains(msg.Channel, "bookTicker") {
		err = ErrNotTicker
		return
	}
	parts := strings.Split(msg.Channel, "@")
	if len(parts) < 3 {
		err = fmt.Errorf("malformed channel %q", msg.Channel)
		return
	}
	symbol = parts[2]

	var data tickerData
	if err = json.Unmarshal(msg.Data, &data); err != nil {
		return
	}
	if data.Bid != "" && data.BidQty != "" {
		if upd.Bid, err = decimal.NewFromString(data.Bid.String()); err != nil {
			return
		}
		if upd.BidQty, err = decimal.NewFromString(data.BidQty.String()); err != nil {
			return
		}
		upd.HasBid = true
	}
	if data.Ask != "" && data.AskQty != "" {
		if upd.Ask, err = decimal.NewFromString(data.Ask.String()); err != nil {
			return
		}
		if upd.AskQty, err = decimal.NewFromString(data.AskQty.String()); err != nil {
			return
		}
		upd.HasAsk = true
	}
	return
}
