package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mexc-quoter/market"
)

type gatewayCall struct {
	Action  string // place / cancel
	Side    string
	OrderID string
	Price   decimal.Decimal
}

// mockGateway 记录调用顺序；inFlight 在互斥区之外计数，
// 引擎若并发发起网关调用会被捕获为 overlapped。
type mockGateway struct {
	mu         sync.Mutex
	calls      []gatewayCall
	nextID     int
	placeErr   error
	cancelErr  error
	cancelOnce bool // 只让第一次撤单失败

	inFlight   atomic.Int32
	overlapped atomic.Bool
}

func (g *mockGateway) enter() {
	if g.inFlight.Add(1) > 1 {
		g.overlapped.Store(true)
	}
	time.Sleep(200 * time.Microsecond) // 拉长调用窗口，放大重叠概率
}

func (g *mockGateway) leave() { g.inFlight.Add(-1) }

func (g *mockGateway) PlaceLimit(symbol, side string, qty, price decimal.Decimal) (string, error) {
	g.enter()
	defer g.leave()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.placeErr != nil {
		g.calls = append(g.calls, gatewayCall{Action: "place_failed", Side: side, Price: price})
		return "", g.placeErr
	}
	g.nextID++
	id := fmt.Sprintf("ord-%d", g.nextID)
	g.calls = append(g.calls, gatewayCall{Action: "place", Side: side, OrderID: id, Price: price})
	return id, nil
}

func (g *mockGateway) CancelOrder(symbol, orderID string) error {
	g.enter()
	defer g.leave()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gatewayCall{Action: "cancel", OrderID: orderID})
	if g.cancelErr != nil {
		err := g.cancelErr
		if g.cancelOnce {
			g.cancelErr = nil
		}
		return err
	}
	return nil
}

func (g *mockGateway) callLog() []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]gatewayCall, len(g.calls))
	copy(out, g.calls)
	return out
}

func (g *mockGateway) countPlaced(side string) int {
	n := 0
	for _, c := range g.callLog() {
		if c.Action == "place" && c.Side == side {
			n++
		}
	}
	return n
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func book(bid, ask string) market.BookTicker {
	return market.BookTicker{
		Symbol:     "TESTUSDT",
		BestBid:    dec(bid),
		BestAsk:    dec(ask),
		BestBidQty: dec("1"),
		BestAskQty: dec("1"),
		HasBid:     true,
		HasAsk:     true,
	}
}

func newTestEngine(t *testing.T, gw Gateway, dev string) *Engine {
	t.Helper()
	eng, err := New(Config{
		Symbol:       "TESTUSDT",
		BuyQuantity:  dec("10"),
		SellQuantity: dec("10"),
		MaxDeviation: dec(dev),
	}, gw, nil, nil)
	require.NoError(t, err)
	eng.Start()
	return eng
}

func TestNewValidation(t *testing.T) {
	gw := &mockGateway{}

	_, err := New(Config{Symbol: "", BuyQuantity: dec("1"), SellQuantity: dec("1")}, gw, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{Symbol: "X", BuyQuantity: dec("0"), SellQuantity: dec("1")}, gw, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{Symbol: "X", BuyQuantity: dec("1"), SellQuantity: dec("1"), MaxDeviation: dec("1.5")}, gw, nil, nil)
	assert.Error(t, err)

	// 零值偏离取默认 0.05
	eng, err := New(Config{Symbol: "X", BuyQuantity: dec("1"), SellQuantity: dec("1")}, gw, nil, nil)
	require.NoError(t, err)
	assert.True(t, eng.cfg.MaxDeviation.Equal(dec("0.05")))
}

func TestAnchorAndInitialTargets(t *testing.T) {
	gw := &mockGateway{}
	eng := newTestEngine(t, gw, "0.05")
	defer eng.Stop()

	eng.process(book("100.000", "100.010"))

	snap := eng.Snapshot()
	require.True(t, snap.AnchorSet)
	assert.True(t, snap.Anchor.Equal(dec("100.005")), "anchor = %s", snap.Anchor)

	require.NotNil(t, snap.Buy)
	require.NotNil(t, snap.Sell)
	assert.True(t, snap.Buy.Price.Equal(dec("100.00001")), "buy price = %s", snap.Buy.Price)
	assert.True(t, snap.Sell.Price.Equal(dec("100.00999")), "sell price = %s", snap.Sell.Price)
	assert.True(t, snap.Buy.Quantity.Equal(dec("10")))
}

func TestAnchorImmutableAcrossUpdates(t *testing.T) {
	gw := &mockGateway{}
	eng := newTestEngine(t, gw, "0.05")
	defer eng.Stop()

	eng.process(book("100.000", "100.010"))
	first := eng.Snapshot().Anchor

	eng.process(book("103.000", "103.010"))
	eng.process(book("97.000", "97.010"))

	assert.True(t, eng.Snapshot().Anchor.Equal(first), "anchor drifted to %s", eng.Snapshot().Anchor)
}

func TestAnchorNotSetUntilBothSidesPresent(t *testing.T) {
	gw := &mockGateway{}
	eng := newTestEngine(t, gw, "0.05")
	defer eng.Stop()

	eng.process(market.BookTicker{
		Symbol:  "TESTUSDT",
		BestBid: dec("100"), BestBidQty: dec("1"), HasBid: true,
	})
	assert.False(t, eng.Snapshot().AnchorSet)
	assert.Empty(t, gw.callLog())

	eng.process(book("100.000", "100.010"))
	assert.True(t, eng.Snapshot().AnchorSet)
}

func TestBuyTargetClampedToLowerBound(t *testing.T) {
	gw := &mockGateway{}
	eng := newTestEngine(t, gw, "0.05")
	defer eng.Stop()

	// 锚定价 100，下沿 95
	eng.process(book("99.995", "100.005"))
	require.True(t, eng.Snapshot().Anchor.Equal(dec("100")))

	// 买一暴跌至 89.99999，原始目标 90.0 被钳到 95
	eng.process(book("89.99999", "90.00100"))

	snap := eng.Snapshot()
	require.NotNil(t, snap.Buy)
	assert.True(t, snap.Buy.Price.Equal(dec("95")), "buy price = %s", snap.Buy.Price)
}

func TestSellTargetClampedToUpperBound(t *testing.T) {
	gw := &mockGateway{}
	eng := newTestEngine(t, gw, "0.05")
	defer eng.Stop()

	eng.process(book("99.995", "100.005"))

	// 卖一暴涨，原始目标 110.09999 被钳到 105
	eng.process(book("110.00000", "110.10000"))

	snap := eng.Snapshot()
	require.NotNil(t, snap.Sell)
	assert.True(t, snap.Sell.Price.Equal(dec("105")), "sell price = %s", snap.Sell.Price)
}

func TestTargetsNotClampedAgainstEachOther(t *testing.T) {
	// 宽偏离带下买卖目标可以交叉：引擎只对锚定带钳制，
	// 不保证 buy < sell。此行为有意保留。
	gw := &mockGateway{}
	eng := newTestEngine(t, gw, "0.5")
	defer eng.Stop()

	eng.process(book("100.000", "100.010"))

	// 盘口极窄时 buy=bid+tick 与 sell=ask-tick 仍各自独立
	eng.process(book("100.00000", "100.00001"))

	snap := eng.Snapshot()
	require.NotNil(t, snap.Buy)
	require.NotNil(t, snap.Sell)
	assert.True(t, snap.Buy.Price.GreaterThan(snap.Sell.Price),
		"expected crossed quotes, buy=%s sell=%s", snap.Buy.Price, snap.Sell.Price)
}

func TestHysteresisSubTickDriftNoReplace(t *testing.T) {
	gw := &mockGateway{}
	eng := newTestEngine(t, gw, "0.05")
	defer eng.Stop()

	// 目标 99.00000 挂买单
	eng.process(book("98.99999", "99.50000"))
	require.Equal(t, 1, gw.countPlaced(SideBuy))
	require.True(t, eng.Snapshot().Buy.Price.Equal(dec("99.00000")))

	// 新目标 99.00000004，偏离 0.00000004 ≤ tick，不动单
	eng.process(book("98.99999004", "99.50000"))
	assert.Equal(t, 1, gw.countPlaced(SideBuy))
	assert.True(t, eng.Snapshot().Buy.Price.Equal(dec("99.00000")))
}

func TestReplaceCancelsBeforePlacing(t *testing.T) {
	gw := &mockGateway{}
	eng := newTestEngine(t, gw, "0.05")
	defer eng.Stop()

	eng.process(book("100.000", "100.010"))
	firstBuy := eng.Snapshot().Buy.OrderID

	// 买一上移超过一个 tick，触发撤旧挂新
	eng.process(book("100.002", "100.010"))

	var cancelIdx, placeIdx = -1, -1
	for i, c := range gw.callLog() {
		if c.Action == "cancel" && c.OrderID == firstBuy {
			cancelIdx = i
		}
		if c.Action == "place" && c.Side == SideBuy && i > cancelIdx && cancelIdx >= 0 && placeIdx < 0 {
			placeIdx = i
		}
	}
	require.GreaterOrEqual(t, cancelIdx, 0, "stale buy order never canceled")
	require.GreaterOrEqual(t, placeIdx, 0, "replacement not placed after cancel")
	assert.Greater(t, placeIdx, cancelIdx)
}

func TestCancelFailureStillPlacesReplacement(t *testing.T) {
	gw := &mockGateway{}
	eng := newTestEngine(t, gw, "0.05")
	defer eng.Stop()

	eng.process(book("100.000", "100.010"))
	gw.cancelErr = errors.New("exchange unavailable")

	assert.NotPanics(t, func() {
		eng.process(book("100.002", "100.012"))
	})

	snap := eng.Snapshot()
	require.NotNil(t, snap.Buy)
	assert.True(t, snap.Buy.Price.Equal(dec("100.00201")), "buy price = %s", snap.Buy.Price)
	assert.Equal(t, 2, gw.countPlaced(SideBuy))
}

func TestPlaceFailureRetriedOnNextTick(t *testing.T) {
	gw := &mockGateway{placeErr: errors.New("rejected")}
	eng := newTestEngine(t, gw, "0.05")
	defer eng.Stop()

	eng.process(book("100.000", "100.010"))
	snap := eng.Snapshot()
	assert.Nil(t, snap.Buy)
	assert.Nil(t, snap.Sell)

	// 下一条行情恢复后重新挂单
	gw.mu.Lock()
	gw.placeErr = nil
	gw.mu.Unlock()
	eng.process(book("100.000", "100.010"))

	snap = eng.Snapshot()
	assert.NotNil(t, snap.Buy)
	assert.NotNil(t, snap.Sell)
}

func TestCrossedBookSkipsTick(t *testing.T) {
	gw := &mockGateway{}
	eng := newTestEngine(t, gw, "0.05")
	defer eng.Stop()

	eng.process(book("100.010", "100.000")) // ask < bid

	assert.False(t, eng.Snapshot().AnchorSet)
	assert.Empty(t, gw.callLog())
}

func TestStopCancelsBothSidesEvenIfFirstFails(t *testing.T) {
	gw := &mockGateway{}
	eng := newTestEngine(t, gw, "0.05")

	eng.process(book("100.000", "100.010"))
	require.NotNil(t, eng.Snapshot().Buy)
	require.NotNil(t, eng.Snapshot().Sell)

	gw.mu.Lock()
	gw.cancelErr = errors.New("timeout")
	gw.cancelOnce = true
	gw.mu.Unlock()

	eng.Stop()

	cancels := 0
	for _, c := range gw.callLog() {
		if c.Action == "cancel" {
			cancels++
		}
	}
	assert.Equal(t, 2, cancels, "both sides must be attempted")

	snap := eng.Snapshot()
	assert.False(t, snap.Running)
	assert.Nil(t, snap.Buy)
	assert.Nil(t, snap.Sell)
}

func TestStopIdempotent(t *testing.T) {
	gw := &mockGateway{}
	eng := newTestEngine(t, gw, "0.05")
	eng.Stop()
	assert.NotPanics(t, func() { eng.Stop() })
}

func TestNoProcessingAfterStop(t *testing.T) {
	gw := &mockGateway{}
	eng := newTestEngine(t, gw, "0.05")
	eng.Stop()

	eng.process(book("100.000", "100.010"))
	assert.Empty(t, gw.callLog())
}

// TestConcurrentUpdatesSerialized 并发注入行情时，挂单变更必须串行：
// mockGateway 检测任何重叠的网关调用。
func TestConcurrentUpdatesSerialized(t *testing.T) {
	gw := &mockGateway{}
	eng := newTestEngine(t, gw, "0.05")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				px := 100.0 + float64(worker)*0.01 + float64(j)*0.001
				eng.OnBookUpdate(book(
					decimal.NewFromFloat(px).String(),
					decimal.NewFromFloat(px+0.01).String(),
				))
			}
		}(i)
	}
	wg.Wait()

	// 等 run goroutine 消化信箱里的最后一条
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if eng.Snapshot().Stats.TotalUpdates > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	eng.Stop()

	assert.False(t, gw.overlapped.Load(), "gateway calls overlapped: updates not serialized")
}

// TestMailboxCoalescesBursts 信箱总是保留最新快照，突发行情合并处理。
func TestMailboxCoalescesBursts(t *testing.T) {
	gw := &mockGateway{}
	eng, err := New(Config{
		Symbol:       "TESTUSDT",
		BuyQuantity:  dec("10"),
		SellQuantity: dec("10"),
		MaxDeviation: dec("0.05"),
	}, gw, nil, nil)
	require.NoError(t, err)
	// 不启动 run goroutine，直接观察信箱内容

	eng.OnBookUpdate(book("100.000", "100.010"))
	eng.OnBookUpdate(book("101.000", "101.010"))
	eng.OnBookUpdate(book("102.000", "102.010"))

	latest := <-eng.mailbox
	assert.True(t, latest.BestBid.Equal(dec("102.000")), "expected newest snapshot, got bid=%s", latest.BestBid)
	select {
	case extra := <-eng.mailbox:
		t.Fatalf("mailbox should hold a single snapshot, got extra bid=%s", extra.BestBid)
	default:
	}
}
