package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"digital_fulfillment/internal/asset"
	"digital_fulfillment/internal/model"
	"digital_fulfillment/internal/queue"
	"digital_fulfillment/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var buyer = Customer{Email: "buyer@example.com", Name: "Buyer"}

func newTestStore(t *testing.T) *store.GormStore {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "fulfillment.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *store.GormStore, name string, assets ...asset.Asset) uint {
	t.Helper()
	p := &model.Product{Name: name, Price: decimal.RequireFromString("5"), Cost: decimal.RequireFromString("2")}
	require.NoError(t, s.CreateProduct(context.Background(), p, assets))
	return p.ID
}

func codes(prefix string, n int) []asset.Asset {
	out := make([]asset.Asset, n)
	for i := range out {
		out[i] = asset.Code(fmt.Sprintf("%s%d", prefix, i+1))
	}
	return out
}

func one(id uint) []CartItem {
	return []CartItem{{ProductID: id, Quantity: 1, UnitPrice: decimal.RequireFromString("5")}}
}

// snapshot 记录库存与账本状态，用于断言失败后数据完全未变。
type snapshot struct {
	products []model.Product
	lines    int64
	outbox   int64
}

func takeSnapshot(t *testing.T, s *store.GormStore) snapshot {
	t.Helper()
	var snap snapshot
	require.NoError(t, s.DB().Order("id").Find(&snap.products).Error)
	require.NoError(t, s.DB().Model(&model.OrderLine{}).Count(&snap.lines).Error)
	require.NoError(t, s.DB().Model(&model.OutboxEvent{}).Count(&snap.outbox).Error)
	return snap
}

func assertUnchanged(t *testing.T, before, after snapshot) {
	t.Helper()
	require.Len(t, after.products, len(before.products))
	for i := range before.products {
		assert.Equal(t, before.products[i].Stock, after.products[i].Stock)
		assert.Equal(t, string(before.products[i].AvailableAssets), string(after.products[i].AvailableAssets))
		assert.Equal(t, before.products[i].StatusLabel, after.products[i].StatusLabel)
	}
	assert.Equal(t, before.lines, after.lines)
	assert.Equal(t, before.outbox, after.outbox)
}

func requireFailure(t *testing.T, err error, kind FailureKind, productID uint) *Failure {
	t.Helper()
	require.Error(t, err)
	var f *Failure
	require.True(t, errors.As(err, &f), "not a Failure: %v", err)
	assert.Equal(t, kind, f.Kind)
	assert.Equal(t, productID, f.ProductID)
	return f
}

func TestSequentialOrdersWithdrawFIFO(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, zap.NewNop())
	ctx := context.Background()
	p := seed(t, s, "P", asset.Code("X1"), asset.Code("X2"))

	res, err := svc.PlaceOrder(ctx, Request{Cart: one(p), Customer: buyer})
	require.NoError(t, err)
	require.Len(t, res.Lines, 1)
	require.NotNil(t, res.Lines[0].DigitalCode)
	assert.Equal(t, "X1", *res.Lines[0].DigitalCode)
	assert.Equal(t, model.OrderLineCompleted, res.Lines[0].Status)
	prod, err := s.Product(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, prod.Stock)

	res, err = svc.PlaceOrder(ctx, Request{Cart: one(p), Customer: buyer})
	require.NoError(t, err)
	assert.Equal(t, "X2", *res.Lines[0].DigitalCode)
	prod, err = s.Product(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 0, prod.Stock)
	assert.JSONEq(t, `[]`, string(prod.AvailableAssets))

	// 池已空：整单失败，不产生订单行。
	before := takeSnapshot(t, s)
	_, err = svc.PlaceOrder(ctx, Request{Cart: one(p), Customer: buyer})
	f := requireFailure(t, err, KindOutOfStock, p)
	assert.True(t, errors.Is(f, errNoAssets))
	assertUnchanged(t, before, takeSnapshot(t, s))
}

func TestMissingProductRollsBackEarlierWithdrawals(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, zap.NewNop())
	p := seed(t, s, "P", asset.Code("X1"))
	const missing = uint(9999)

	before := takeSnapshot(t, s)
	_, err := svc.PlaceOrder(context.Background(), Request{
		Cart:     []CartItem{{ProductID: p, Quantity: 1}, {ProductID: missing, Quantity: 1}},
		Customer: buyer,
	})
	f := requireFailure(t, err, KindProductNotFound, missing)
	assert.True(t, errors.Is(f, store.ErrProductNotFound))
	assertUnchanged(t, before, takeSnapshot(t, s))
}

func TestPartialShortageAbortsWholeCart(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, zap.NewNop())
	p := seed(t, s, "P", codes("P", 3)...)
	q := seed(t, s, "Q", codes("Q", 1)...)

	before := takeSnapshot(t, s)
	_, err := svc.PlaceOrder(context.Background(), Request{
		Cart:     []CartItem{{ProductID: p, Quantity: 2}, {ProductID: q, Quantity: 2}},
		Customer: buyer,
	})
	requireFailure(t, err, KindOutOfStock, q)
	assertUnchanged(t, before, takeSnapshot(t, s))
}

func TestMultiItemCartLinesFollowCartOrder(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, zap.NewNop(), WithOrderNumbers(func() string { return "DGFIXED" }))
	ctx := context.Background()
	p := seed(t, s, "P", codes("P", 3)...)
	q := seed(t, s, "Q", asset.Credential("q1@x.io", "pw1"), asset.Credential("q2@x.io", "pw2"))

	res, err := svc.PlaceOrder(ctx, Request{
		Cart: []CartItem{
			{ProductID: q, Quantity: 1, UnitPrice: decimal.RequireFromString("3.50")},
			{ProductID: p, Quantity: 2, UnitPrice: decimal.RequireFromString("1.25")},
			{ProductID: q, Quantity: 1, UnitPrice: decimal.RequireFromString("3.50")},
		},
		Customer: buyer,
	})
	require.NoError(t, err)
	assert.Equal(t, "DGFIXED", res.OrderNumber)
	require.Len(t, res.Lines, 4)

	want := []string{"q1@x.io", "P1", "P2", "q2@x.io"}
	for i, l := range res.Lines {
		assert.Equal(t, i+1, l.LineNo)
		a, ok := LineAsset(l)
		require.True(t, ok)
		if a.Kind == asset.KindCredential {
			assert.Equal(t, want[i], a.Email)
			assert.Nil(t, l.DigitalCode)
		} else {
			assert.Equal(t, want[i], a.Code)
			assert.Nil(t, l.DigitalEmail)
		}
	}
	assert.True(t, res.Lines[0].Amount.Equal(decimal.RequireFromString("3.50")))
	assert.True(t, res.Lines[1].Cost.Equal(decimal.RequireFromString("2")))
	assert.Equal(t, "Q", res.Lines[0].ProductName)

	stored, err := svc.TrackOrder(ctx, "DGFIXED")
	require.NoError(t, err)
	assert.Len(t, stored, 4)

	history, err := svc.OrderHistory(ctx, buyer.Email)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestOutboxEventWrittenWithOrder(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, zap.NewNop(), WithTopic("test-topic"))
	ctx := context.Background()
	p := seed(t, s, "P", asset.Code("X1"))

	res, err := svc.PlaceOrder(ctx, Request{Cart: one(p), Customer: buyer})
	require.NoError(t, err)

	events, err := s.FetchPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "test-topic", events[0].Topic)
	assert.Equal(t, res.OrderNumber, events[0].Key)

	var msg queue.FulfilledMessage
	require.NoError(t, json.Unmarshal(events[0].Payload, &msg))
	require.NoError(t, msg.Validate())
	require.Len(t, msg.Lines, 1)
	require.NotNil(t, msg.Lines[0].Asset)
	assert.Equal(t, "X1", msg.Lines[0].Asset.Code)
}

func TestConcurrentOrdersForLastAsset(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, zap.NewNop())
	p := seed(t, s, "P", asset.Code("ONLY"))

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.PlaceOrder(context.Background(), Request{Cart: one(p), Customer: buyer})
		}(i)
	}
	wg.Wait()

	succeeded, outOfStock := 0, 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var f *Failure
		require.True(t, errors.As(err, &f), "unexpected error %v", err)
		if f.Kind == KindOutOfStock {
			outOfStock++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, outOfStock)
}

func TestConcurrentOrdersNeverDoubleIssue(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, zap.NewNop())
	ctx := context.Background()
	p := seed(t, s, "P", codes("P", 15)...)
	q := seed(t, s, "Q", codes("Q", 15)...)

	// 两种锁顺序相反的购物车并发执行，验证不会死锁且不会重复发放。
	carts := [][]CartItem{
		{{ProductID: p, Quantity: 1}, {ProductID: q, Quantity: 1}},
		{{ProductID: q, Quantity: 1}, {ProductID: p, Quantity: 1}},
	}
	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.PlaceOrder(ctx, Request{Cart: carts[i%2], Customer: buyer})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		var f *Failure
		require.True(t, errors.As(err, &f))
		assert.Equal(t, KindOutOfStock, f.Kind)
	}
	assert.Equal(t, 15, ok)

	var lines []model.OrderLine
	require.NoError(t, s.DB().Find(&lines).Error)
	seen := map[string]bool{}
	for _, l := range lines {
		require.NotNil(t, l.DigitalCode)
		assert.False(t, seen[*l.DigitalCode], "asset %s issued twice", *l.DigitalCode)
		seen[*l.DigitalCode] = true
	}
	assert.Len(t, seen, 30)

	for _, id := range []uint{p, q} {
		prod, err := s.Product(ctx, id)
		require.NoError(t, err)
		pool, err := asset.DecodePool(id, prod.AvailableAssets)
		require.NoError(t, err)
		assert.Equal(t, len(pool.Assets), prod.Stock)
		assert.Equal(t, 0, prod.Stock)
	}
}

func TestAllowPendingPolicy(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, zap.NewNop(), WithPolicy(PolicyAllowPending))
	ctx := context.Background()
	p := seed(t, s, "P", asset.Code("X1"))

	res, err := svc.PlaceOrder(ctx, Request{Cart: []CartItem{{ProductID: p, Quantity: 2}}, Customer: buyer})
	require.NoError(t, err)
	require.Len(t, res.Lines, 2)
	assert.Equal(t, model.OrderLineCompleted, res.Lines[0].Status)
	assert.Equal(t, model.OrderLinePending, res.Lines[1].Status)
	_, ok := LineAsset(res.Lines[1])
	assert.False(t, ok)
	assert.Nil(t, res.Lines[1].AssetFingerprint)

	prod, err := s.Product(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 0, prod.Stock)
}

func TestLegacyStockWithoutAssetsIsOutOfStock(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, zap.NewNop())
	p := seed(t, s, "P")
	require.NoError(t, s.DB().Model(&model.Product{}).Where("id = ?", p).Update("stock", 5).Error)

	_, err := svc.PlaceOrder(context.Background(), Request{Cart: one(p), Customer: buyer})
	requireFailure(t, err, KindOutOfStock, p)
}

func TestMalformedPoolReportsOutOfStock(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, zap.NewNop())
	p := seed(t, s, "P")
	require.NoError(t, s.DB().Model(&model.Product{}).Where("id = ?", p).
		Updates(map[string]any{"available_assets": `[{"code":"A","email":"x"}]`, "stock": 1}).Error)

	before := takeSnapshot(t, s)
	_, err := svc.PlaceOrder(context.Background(), Request{Cart: one(p), Customer: buyer})
	f := requireFailure(t, err, KindOutOfStock, p)
	assert.True(t, errors.Is(f, asset.ErrMalformedAsset))
	assertUnchanged(t, before, takeSnapshot(t, s))
}

func TestReusedOrderNumberReplays(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, zap.NewNop())
	ctx := context.Background()
	p := seed(t, s, "P", codes("P", 3)...)

	req := Request{OrderNumber: "DGRETRY0001", Cart: one(p), Customer: buyer}
	first, err := svc.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := svc.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	require.Len(t, second.Lines, 1)
	assert.Equal(t, *first.Lines[0].DigitalCode, *second.Lines[0].DigitalCode)

	prod, err := s.Product(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 2, prod.Stock)
}

func TestReusedOrderNumberByAnotherCustomerIsRejected(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, zap.NewNop())
	ctx := context.Background()
	p := seed(t, s, "P", asset.Code("SECRET-A"))
	q := seed(t, s, "Q", asset.Code("Q1"))

	_, err := svc.PlaceOrder(ctx, Request{OrderNumber: "DGVICTIM", Cart: one(p), Customer: buyer})
	require.NoError(t, err)

	before := takeSnapshot(t, s)
	tests := []struct {
		name string
		req  Request
	}{
		{name: "other customer same cart", req: Request{OrderNumber: "DGVICTIM", Cart: one(p), Customer: Customer{Email: "attacker@evil.io"}}},
		{name: "other customer other cart", req: Request{OrderNumber: "DGVICTIM", Cart: one(q), Customer: Customer{Email: "attacker@evil.io"}}},
		{name: "same customer other cart", req: Request{OrderNumber: "DGVICTIM", Cart: one(q), Customer: buyer}},
		{name: "same customer more units", req: Request{OrderNumber: "DGVICTIM", Cart: []CartItem{{ProductID: p, Quantity: 2}}, Customer: buyer}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.PlaceOrder(ctx, tt.req)
			assert.Nil(t, res)
			f := requireFailure(t, err, KindInvalidRequest, 0)
			assert.True(t, errors.Is(f, ErrOrderNumberTaken))
			assert.False(t, f.Retryable())
		})
	}
	assertUnchanged(t, before, takeSnapshot(t, s))

	// 原客户换了邮箱大小写仍可重放
	res, err := svc.PlaceOrder(ctx, Request{OrderNumber: "DGVICTIM", Cart: one(p), Customer: Customer{Email: " Buyer@Example.com"}})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, "SECRET-A", *res.Lines[0].DigitalCode)
}

func TestDuplicateAssetInPoolIsSkipped(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, zap.NewNop())
	ctx := context.Background()
	p := seed(t, s, "P")
	require.NoError(t, s.DB().Model(&model.Product{}).Where("id = ?", p).
		Updates(map[string]any{"available_assets": `[{"code":"DUP"},{"code":"DUP"},{"code":"OK3"}]`, "stock": 3}).Error)

	res, err := svc.PlaceOrder(ctx, Request{Cart: one(p), Customer: buyer})
	require.NoError(t, err)
	assert.Equal(t, "DUP", *res.Lines[0].DigitalCode)

	res, err = svc.PlaceOrder(ctx, Request{Cart: one(p), Customer: buyer})
	require.NoError(t, err)
	assert.Equal(t, "OK3", *res.Lines[0].DigitalCode)

	prod, err := s.Product(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 0, prod.Stock)
	assert.JSONEq(t, `[]`, string(prod.AvailableAssets))

	_, err = svc.PlaceOrder(ctx, Request{Cart: one(p), Customer: buyer})
	requireFailure(t, err, KindOutOfStock, p)
}

func TestDuplicateAssetWithinOneCart(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, zap.NewNop())
	ctx := context.Background()
	p := seed(t, s, "P")
	require.NoError(t, s.DB().Model(&model.Product{}).Where("id = ?", p).
		Updates(map[string]any{"available_assets": `[{"code":"DUP"},{"code":"DUP"}]`, "stock": 2}).Error)

	// 去重后只剩一件，两件的购物车整单缺货且池不变。
	before := takeSnapshot(t, s)
	_, err := svc.PlaceOrder(ctx, Request{Cart: []CartItem{{ProductID: p, Quantity: 2}}, Customer: buyer})
	requireFailure(t, err, KindOutOfStock, p)
	assertUnchanged(t, before, takeSnapshot(t, s))
}

func TestAssetConflictIsNotRetryable(t *testing.T) {
	f := AsFailure(&Failure{Kind: KindAssetConflict, Err: store.ErrDuplicate})
	assert.False(t, f.Retryable())
	assert.True(t, errors.Is(f, store.ErrDuplicate))
	assert.True(t, AsFailure(errors.New("conn reset")).Retryable())
}

func TestCustomerEmailIsNormalized(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, zap.NewNop())
	ctx := context.Background()
	p := seed(t, s, "P", asset.Code("X1"))

	res, err := svc.PlaceOrder(ctx, Request{Cart: one(p), Customer: Customer{Email: " Mixed@Case.IO "}})
	require.NoError(t, err)
	assert.Equal(t, "mixed@case.io", res.Lines[0].CustomerEmail)

	lines, err := svc.OrderHistory(ctx, "MIXED@case.io")
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestValidation(t *testing.T) {
	svc := New(newTestStore(t), zap.NewNop())
	tests := []struct {
		name string
		req  Request
	}{
		{name: "empty cart", req: Request{Customer: buyer}},
		{name: "zero quantity", req: Request{Cart: []CartItem{{ProductID: 1}}, Customer: buyer}},
		{name: "missing product id", req: Request{Cart: []CartItem{{Quantity: 1}}, Customer: buyer}},
		{name: "negative price", req: Request{Cart: []CartItem{{ProductID: 1, Quantity: 1, UnitPrice: decimal.NewFromInt(-1)}}, Customer: buyer}},
		{name: "missing customer", req: Request{Cart: one(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.PlaceOrder(context.Background(), tt.req)
			requireFailure(t, err, KindInvalidRequest, 0)
		})
	}
}

func TestCanceledContextIsTransient(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, zap.NewNop())
	p := seed(t, s, "P", asset.Code("X1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	before := takeSnapshot(t, s)
	_, err := svc.PlaceOrder(ctx, Request{Cart: one(p), Customer: buyer})
	f := requireFailure(t, err, KindTransientDB, 0)
	assert.True(t, f.Retryable())
	assertUnchanged(t, before, takeSnapshot(t, s))
}

func TestTrackUnknownOrder(t *testing.T) {
	svc := New(newTestStore(t), zap.NewNop())
	_, err := svc.TrackOrder(context.Background(), "DGNOPE")
	assert.True(t, errors.Is(err, store.ErrOrderNotFound))
}

type fakeCache struct {
	mu    sync.Mutex
	stock map[uint]int
}

func (c *fakeCache) SetStock(_ context.Context, id uint, stock int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stock[id] = stock
	return nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []string
	issued   int
}

func (r *fakeRecorder) ObserveOrder(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *fakeRecorder) AddIssued(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issued += n
}

func TestAfterCommitHooks(t *testing.T) {
	s := newTestStore(t)
	cache := &fakeCache{stock: map[uint]int{}}
	rec := &fakeRecorder{}
	svc := New(s, zap.NewNop(), WithStockCache(cache), WithRecorder(rec))
	p := seed(t, s, "P", codes("P", 4)...)

	_, err := svc.PlaceOrder(context.Background(), Request{Cart: []CartItem{{ProductID: p, Quantity: 3}}, Customer: buyer})
	require.NoError(t, err)
	_, err = svc.PlaceOrder(context.Background(), Request{Cart: []CartItem{{ProductID: p, Quantity: 3}}, Customer: buyer})
	require.Error(t, err)

	assert.Equal(t, 1, cache.stock[p])
	assert.Equal(t, 3, rec.issued)
	assert.Equal(t, []string{"success", string(KindOutOfStock)}, rec.outcomes)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyHardStop, p)
	p, err = ParsePolicy("allow-pending")
	require.NoError(t, err)
	assert.Equal(t, PolicyAllowPending, p)
	_, err = ParsePolicy("sometimes")
	assert.Error(t, err)
}

func TestNewOrderNumber(t *testing.T) {
	n := NewOrderNumber()
	assert.Len(t, n, 14)
	assert.Equal(t, "DG", n[:2])
	assert.NotEqual(t, n, NewOrderNumber())
}
