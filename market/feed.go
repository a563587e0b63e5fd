package market

import (
	"sync"

	"go.uber.org/zap"

	"mexc-quoter/infrastructure/logger"
)

// Listener 收到盘口变化后被同步调用。
type Listener func(BookTicker)

// Feed 维护各订阅交易对的盘口快照，并向监听者同步分发更新。
// Apply 由单个读取 goroutine 串行调用，监听者按注册顺序依次执行，
// 上一条消息的全部监听者返回前不会处理下一条——引擎的串行保证来自这里。
type Feed struct {
	log *logger.Logger

	mu        sync.RWMutex
	books     map[string]BookTicker
	listeners []Listener
	stopped   bool
}

func NewFeed(log *logger.Logger) *Feed {
	if log == nil {
		log = logger.Nop()
	}
	return &Feed{
		log:   log,
		books: make(map[string]BookTicker),
	}
}

// Subscribe 登记交易对；未登记交易对的消息被忽略。
func (f *Feed) Subscribe(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.books[symbol]; !ok {
		f.books[symbol] = BookTicker{Symbol: symbol}
	}
}

// AddListener 注册监听者，分发按注册顺序。
func (f *Feed) AddListener(l Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

// Snapshot 返回当前快照副本。
func (f *Feed) Snapshot(symbol string) (BookTicker, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.books[symbol]
	return b, ok
}

// Apply 应用一条盘口增量并分发。bid/ask 任一变化才触发分发。
func (f *Feed) Apply(symbol string, upd TickerUpdate) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	book, ok := f.books[symbol]
	if !ok {
		f.mu.Unlock()
		return
	}
	changed := false
	if upd.HasBid && (!book.HasBid || !book.BestBid.Equal(upd.Bid) || !book.BestBidQty.Equal(upd.BidQty)) {
		book.BestBid, book.BestBidQty, book.HasBid = upd.Bid, upd.BidQty, true
		changed = true
	}
	if upd.HasAsk && (!book.HasAsk || !book.BestAsk.Equal(upd.Ask) || !book.BestAskQty.Equal(upd.AskQty)) {
		book.BestAsk, book.BestAskQty, book.HasAsk = upd.Ask, upd.AskQty, true
		changed = true
	}
	f.books[symbol] = book
	listeners := f.listeners
	f.mu.Unlock()

	if !changed {
		return
	}
	for _, l := range listeners {
		f.invoke(l, book)
	}
}

// invoke 单个监听者的 panic 不影响其余监听者，也不中断行情流。
func (f *Feed) invoke(l Listener, book BookTicker) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("feed listener panicked",
				zap.String("symbol", book.Symbol),
				zap.Any("panic", r))
		}
	}()
	l(book)
}

// MarkStopped 行情断开后停止分发；重连策略在上层。
func (f *Feed) MarkStopped() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

// Stopped 返回行情是否已停止。
func (f *Feed) Stopped() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stopped
}
