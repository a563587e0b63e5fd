package market

import "github.com/shopspring/decimal"

// BookTicker 单个交易对的盘口快照。首个行情到达前各字段均为缺失态。
type BookTicker struct {
	Symbol     string
	BestBid    decimal.Decimal
	BestAsk    decimal.Decimal
	BestBidQty decimal.Decimal
	BestAskQty decimal.Decimal
	HasBid     bool
	HasAsk     bool
}

// Ready 双边都已观测到。行情源保证 ask >= bid，本层不校验；
// 瞬时倒挂由引擎跳过该次报价处理。
func (b BookTicker) Ready() bool {
	return b.HasBid && b.HasAsk
}

// Mid 中间价 (bid+ask)/2；未就绪时返回零值。
func (b BookTicker) Mid() decimal.Decimal {
	if !b.Ready() {
		return decimal.Decimal{}
	}
	return b.BestBid.Add(b.BestAsk).Div(decimal.NewFromInt(2))
}

// Spread 价差 ask-bid；未就绪时返回零值。
func (b BookTicker) Spread() decimal.Decimal {
	if !b.Ready() {
		return decimal.Decimal{}
	}
	return b.BestAsk.Sub(b.BestBid)
}

// TickerUpdate 一条 bookTicker 消息解析出的增量。bid/ask 可独立缺失。
type TickerUpdate struct {
	Bid    decimal.Decimal
	BidQty decimal.Decimal
	Ask    decimal.Decimal
	AskQty decimal.Decimal
	HasBid bool
	HasAsk bool
}
