package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type memoryBillingRepo struct {
	mu sync.Mutex

	orders     map[int64]Order
	items      map[int64]OrderItem
	configured map[int64][]int64
	products   map[int64]string
	registry   *memoryModalityRegistry

	invoices map[int64]Invoice
	details  map[int64][]AllocationDetail
	nextID   int64

	failAfterDetails int
	failOnHeader     bool
	reportReads      int

	// reportGate, when set, parks ListReportRows until closed and records the ctx state seen.
	reportGate    chan struct{}
	reportStarted chan struct{}
	reportCtxErr  error
}

type memoryBillingTx struct {
	repo     *memoryBillingRepo
	invoices map[int64]Invoice
	details  map[int64][]AllocationDetail
	inserted int
}

func newMemoryBillingRepo() *memoryBillingRepo {
	return &memoryBillingRepo{
		orders:     make(map[int64]Order),
		items:      make(map[int64]OrderItem),
		configured: make(map[int64][]int64),
		products:   make(map[int64]string),
		registry:   newMemoryModalityRegistry(),
		invoices:   make(map[int64]Invoice),
		details:    make(map[int64][]AllocationDetail),

		failAfterDetails: -1,
	}
}

func (r *memoryBillingRepo) addItem(item OrderItem, product string, modalityIDs ...int64) {
	r.items[item.ID] = item
	r.products[item.ProductID] = product
	r.configured[item.ID] = modalityIDs
}

// WithTx holds the repo mutex for the whole unit of work and only publishes staged writes
// when fn succeeds.
func (r *memoryBillingRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryBillingTx{
		repo:     r,
		invoices: make(map[int64]Invoice, len(r.invoices)),
		details:  make(map[int64][]AllocationDetail, len(r.details)),
	}
	for id, inv := range r.invoices {
		tx.invoices[id] = inv
	}
	for id, rows := range r.details {
		tx.details[id] = append([]AllocationDetail(nil), rows...)
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.invoices = tx.invoices
	r.details = tx.details
	return nil
}

func (r *memoryBillingRepo) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

func (r *memoryBillingRepo) ListAllocationDetails(ctx context.Context, invoiceID int64) ([]AllocationDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AllocationDetail(nil), r.details[invoiceID]...), nil
}

func (r *memoryBillingRepo) ListReportRows(ctx context.Context, invoiceID int64) ([]ReportRow, error) {
	if r.reportGate != nil {
		r.reportStarted <- struct{}{}
		<-r.reportGate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		r.reportCtxErr = err
	}
	r.reportReads++
	rows := make([]ReportRow, 0, len(r.details[invoiceID]))
	for _, d := range r.details[invoiceID] {
		rows = append(rows, ReportRow{
			ModalityID:   d.ModalityID,
			ModalityName: r.registry.modalities[d.ModalityID].Name,
			ProductID:    d.ProductID,
			ProductName:  r.products[d.ProductID],
			Quantity:     d.QuantityModality,
			Value:        d.ValueModality,
		})
	}
	return rows, nil
}

func (r *memoryBillingRepo) ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Invoice
	for _, inv := range r.invoices {
		if req.OrderID != 0 && inv.OrderID != req.OrderID {
			continue
		}
		if req.SupplierID != 0 && inv.SupplierID != req.SupplierID {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if req.Offset >= len(out) {
		return nil, nil
	}
	out = out[req.Offset:]
	if len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

func (r *memoryBillingRepo) GetOrder(ctx context.Context, id int64) (Order, error) {
	order, ok := r.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (r *memoryBillingRepo) ListOrderItems(ctx context.Context, orderID int64) ([]OrderItem, error) {
	var out []OrderItem
	for _, item := range r.items {
		if item.OrderID == orderID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (r *memoryBillingRepo) GetOrderItem(ctx context.Context, id int64) (OrderItem, error) {
	item, ok := r.items[id]
	if !ok {
		return OrderItem{}, ErrOrderItemNotFound
	}
	return item, nil
}

func (r *memoryBillingRepo) GetConfiguredModalities(ctx context.Context, orderItemID int64) ([]int64, error) {
	return append([]int64(nil), r.configured[orderItemID]...), nil
}

func (tx *memoryBillingTx) LockOrder(ctx context.Context, orderID int64) error {
	if _, ok := tx.repo.orders[orderID]; !ok {
		return ErrOrderNotFound
	}
	return nil
}

func (tx *memoryBillingTx) CountActiveInvoices(ctx context.Context, orderID int64) (int, error) {
	count := 0
	for _, inv := range tx.invoices {
		if inv.OrderID == orderID && inv.Status != InvoiceStatusCancelled {
			count++
		}
	}
	return count, nil
}

func (tx *memoryBillingTx) InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	tx.repo.nextID++
	inv.ID = tx.repo.nextID
	inv.CreatedAt = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	tx.invoices[inv.ID] = inv
	if tx.repo.failOnHeader {
		return Invoice{}, errors.New("connection reset after header")
	}
	return inv, nil
}

func (tx *memoryBillingTx) InsertAllocationDetail(ctx context.Context, detail AllocationDetail) error {
	if _, ok := tx.invoices[detail.InvoiceID]; !ok {
		return errors.New("foreign key violation")
	}
	if tx.repo.failAfterDetails >= 0 && tx.inserted >= tx.repo.failAfterDetails {
		return errors.New("disk full")
	}
	tx.repo.nextID++
	detail.ID = tx.repo.nextID
	tx.details[detail.InvoiceID] = append(tx.details[detail.InvoiceID], detail)
	tx.inserted++
	return nil
}

func (tx *memoryBillingTx) UpdateInvoiceStatus(ctx context.Context, id int64, from, to InvoiceStatus, reason string) error {
	inv, ok := tx.invoices[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	if inv.Status != from {
		return ErrInvalidStatus
	}
	inv.Status = to
	inv.CancelReason = reason
	tx.invoices[id] = inv
	return nil
}

func (tx *memoryBillingTx) DeleteInvoice(ctx context.Context, id int64) error {
	if _, ok := tx.invoices[id]; !ok {
		return ErrInvoiceNotFound
	}
	delete(tx.invoices, id)
	delete(tx.details, id)
	return nil
}

func newTestService(t *testing.T, repo *memoryBillingRepo) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(repo, repo, repo.registry, logger)
}

// seedTwoItemOrder builds order 100 (supplier 5) with a two-way and a three-way split item.
func seedTwoItemOrder(repo *memoryBillingRepo) {
	for _, m := range []Modality{
		modality(1, "PNAE", "70"),
		modality(2, "Estadual", "30"),
		modality(3, "PNAC", "1"),
		modality(4, "EJA", "1"),
		modality(5, "AEE", "1"),
	} {
		repo.registry.modalities[m.ID] = m
	}
	contract := int64(77)
	repo.orders[100] = Order{ID: 100, SupplierID: 5, ContractID: &contract}
	repo.addItem(OrderItem{ID: 11, OrderID: 100, ProductID: 501, Quantity: dec("10"), UnitPrice: dec("5.00")}, "Arroz", 1, 2)
	repo.addItem(OrderItem{ID: 12, OrderID: 100, ProductID: 502, Quantity: dec("1"), UnitPrice: dec("3.33")}, "Feijão", 3, 4, 5)
}

func TestCreateInvoicePersistsHeaderAndDetails(t *testing.T) {
	repo := newMemoryBillingRepo()
	seedTwoItemOrder(repo)
	svc := newTestService(t, repo)
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	svc.SetMetrics(metrics)

	res, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{OrderID: 100, SupplierID: 5, Observations: " entrega março "})
	require.NoError(t, err)
	requireDecimal(t, "53.33", res.Invoice.TotalValue)
	require.Equal(t, InvoiceStatusIssued, res.Invoice.Status)
	require.Equal(t, "entrega março", res.Invoice.Observations)
	require.NotNil(t, res.Invoice.ContractID)
	require.Equal(t, int64(77), *res.Invoice.ContractID)
	require.Len(t, res.Allocations, 2)
	require.True(t, res.Allocations[1].Corrected)

	require.Len(t, repo.invoices, 1)
	details := repo.details[res.Invoice.ID]
	require.Len(t, details, 5)
	sum := dec("0")
	for _, d := range details {
		require.Equal(t, res.Invoice.ID, d.InvoiceID)
		sum = sum.Add(d.ValueModality)
	}
	requireDecimal(t, "53.33", sum)
	requireDecimal(t, "70", details[0].ValueRepasseModality)

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.invoicesCreated))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.corrections))

	rec, err := svc.VerifyInvoice(context.Background(), res.Invoice.ID)
	require.NoError(t, err)
	require.True(t, rec.OK(), "mismatches: %v", rec.Mismatches)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.reconcileRuns.WithLabelValues("ok")))
}

func TestCreateInvoiceExplicitContractOverridesOrder(t *testing.T) {
	repo := newMemoryBillingRepo()
	seedTwoItemOrder(repo)
	contract := int64(9)
	res, err := newTestService(t, repo).CreateInvoice(context.Background(), CreateInvoiceInput{OrderID: 100, SupplierID: 5, ContractID: &contract})
	require.NoError(t, err)
	require.Equal(t, int64(9), *res.Invoice.ContractID)
}

func TestCreateInvoiceRollsBackAfterPartialDetails(t *testing.T) {
	for _, n := range []int{0, 1, 4} {
		repo := newMemoryBillingRepo()
		seedTwoItemOrder(repo)
		repo.failAfterDetails = n
		svc := newTestService(t, repo)

		_, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{OrderID: 100, SupplierID: 5})
		require.Error(t, err)
		require.Equal(t, ClassPersistence, Classify(err))
		var persistErr *PersistenceError
		require.True(t, errors.As(err, &persistErr))
		require.True(t, persistErr.Retryable())

		require.Empty(t, repo.invoices, "failAfterDetails=%d", n)
		require.Empty(t, repo.details, "failAfterDetails=%d", n)
	}
}

func TestCreateInvoiceRollsBackHeaderFailure(t *testing.T) {
	repo := newMemoryBillingRepo()
	seedTwoItemOrder(repo)
	repo.failOnHeader = true

	_, err := newTestService(t, repo).CreateInvoice(context.Background(), CreateInvoiceInput{OrderID: 100, SupplierID: 5})
	require.Equal(t, ClassPersistence, Classify(err))
	require.Empty(t, repo.invoices)
	require.Empty(t, repo.details)
}

func TestCreateInvoiceFailsFastOnConfiguration(t *testing.T) {
	repo := newMemoryBillingRepo()
	seedTwoItemOrder(repo)
	repo.addItem(OrderItem{ID: 13, OrderID: 100, ProductID: 503, Quantity: dec("2"), UnitPrice: dec("1")}, "Leite")
	svc := newTestService(t, repo)

	_, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{OrderID: 100, SupplierID: 5})
	require.ErrorIs(t, err, ErrNoModalitiesConfigured)
	require.Equal(t, ClassConfiguration, Classify(err))
	var itemErr *ItemError
	require.True(t, errors.As(err, &itemErr))
	require.Equal(t, int64(13), itemErr.OrderItemID)
	require.Empty(t, repo.invoices)
}

func TestCreateInvoiceFailsOnZeroWeightItem(t *testing.T) {
	repo := newMemoryBillingRepo()
	seedTwoItemOrder(repo)
	repo.registry.modalities[6] = modality(6, "Zero", "0")
	repo.addItem(OrderItem{ID: 13, OrderID: 100, ProductID: 503, Quantity: dec("2"), UnitPrice: dec("1")}, "Leite", 6)

	_, err := newTestService(t, repo).CreateInvoice(context.Background(), CreateInvoiceInput{OrderID: 100, SupplierID: 5})
	require.ErrorIs(t, err, ErrZeroWeightSum)
	require.Empty(t, repo.invoices)
}

func TestCreateInvoiceRejectsRequests(t *testing.T) {
	repo := newMemoryBillingRepo()
	seedTwoItemOrder(repo)
	repo.orders[200] = Order{ID: 200, SupplierID: 5}
	svc := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.CreateInvoice(ctx, CreateInvoiceInput{OrderID: 0, SupplierID: 5})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.CreateInvoice(ctx, CreateInvoiceInput{OrderID: 100, SupplierID: 6})
	require.ErrorIs(t, err, ErrSupplierMismatch)

	_, err = svc.CreateInvoice(ctx, CreateInvoiceInput{OrderID: 999, SupplierID: 5})
	require.ErrorIs(t, err, ErrOrderNotFound)

	_, err = svc.CreateInvoice(ctx, CreateInvoiceInput{OrderID: 200, SupplierID: 5})
	require.ErrorIs(t, err, ErrNoEligibleItems)
	require.Empty(t, repo.invoices)
}

func TestCreateInvoiceRejectsSecondActiveInvoice(t *testing.T) {
	repo := newMemoryBillingRepo()
	seedTwoItemOrder(repo)
	svc := newTestService(t, repo)
	ctx := context.Background()

	first, err := svc.CreateInvoice(ctx, CreateInvoiceInput{OrderID: 100, SupplierID: 5})
	require.NoError(t, err)

	_, err = svc.CreateInvoice(ctx, CreateInvoiceInput{OrderID: 100, SupplierID: 5})
	require.ErrorIs(t, err, ErrOrderAlreadyInvoiced)
	require.Equal(t, ClassConflict, Classify(err))

	require.NoError(t, svc.CancelInvoice(ctx, CancelInvoiceInput{InvoiceID: first.Invoice.ID, Reason: "preço errado"}))
	second, err := svc.CreateInvoice(ctx, CreateInvoiceInput{OrderID: 100, SupplierID: 5})
	require.NoError(t, err)
	require.NotEqual(t, first.Invoice.ID, second.Invoice.ID)
}

func TestCreateInvoiceConcurrentCallsBillOnce(t *testing.T) {
	repo := newMemoryBillingRepo()
	seedTwoItemOrder(repo)
	svc := newTestService(t, repo)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreateInvoice(context.Background(), CreateInvoiceInput{OrderID: 100, SupplierID: 5})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ErrOrderAlreadyInvoiced)
	}
	require.Equal(t, 1, succeeded)
	require.Len(t, repo.invoices, 1)
}

func TestCreateInvoiceHonoursOrderLock(t *testing.T) {
	repo := newMemoryBillingRepo()
	seedTwoItemOrder(repo)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedisOrderLocker(client, time.Minute)
	svc := newTestService(t, repo)
	svc.SetLocker(locker)

	release, err := locker.Acquire(context.Background(), 100)
	require.NoError(t, err)
	_, err = svc.CreateInvoice(context.Background(), CreateInvoiceInput{OrderID: 100, SupplierID: 5})
	require.ErrorIs(t, err, ErrOrderLocked)
	require.Empty(t, repo.invoices)

	require.NoError(t, release(context.Background()))
	_, err = svc.CreateInvoice(context.Background(), CreateInvoiceInput{OrderID: 100, SupplierID: 5})
	require.NoError(t, err)
	require.False(t, mr.Exists("billing:order:100:lock"))
}

func TestPreviewSplitIsIdempotent(t *testing.T) {
	repo := newMemoryBillingRepo()
	seedTwoItemOrder(repo)
	svc := newTestService(t, repo)

	first, err := svc.PreviewSplit(context.Background(), 12)
	require.NoError(t, err)
	second, err := svc.PreviewSplit(context.Background(), 12)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Empty(t, repo.invoices)

	_, err = svc.PreviewSplit(context.Background(), 404)
	require.ErrorIs(t, err, ErrOrderItemNotFound)
}

func TestGetReportUsesCacheUntilCancelled(t *testing.T) {
	repo := newMemoryBillingRepo()
	seedTwoItemOrder(repo)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	svc := newTestService(t, repo)
	svc.SetReportCache(NewRedisReportCache(client, time.Minute, nil))
	ctx := context.Background()

	res, err := svc.CreateInvoice(ctx, CreateInvoiceInput{OrderID: 100, SupplierID: 5})
	require.NoError(t, err)

	report, err := svc.GetReport(ctx, res.Invoice.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"AEE", "EJA", "Estadual", "PNAC", "PNAE"}, report.ModalitiesUsed)
	requireDecimal(t, "53.33", report.ValueTotal)
	requireDecimal(t, "11", report.QuantityTotal)

	cached, err := svc.GetReport(ctx, res.Invoice.ID)
	require.NoError(t, err)
	requireDecimal(t, "53.33", cached.ValueTotal)
	require.Equal(t, 1, repo.reportReads)

	require.NoError(t, svc.CancelInvoice(ctx, CancelInvoiceInput{InvoiceID: res.Invoice.ID, Reason: "erro de digitação"}))
	_, err = svc.GetReport(ctx, res.Invoice.ID)
	require.NoError(t, err)
	require.Equal(t, 2, repo.reportReads)
}

func TestGetReportSharedLoadSurvivesCallerCancel(t *testing.T) {
	repo := newMemoryBillingRepo()
	seedTwoItemOrder(repo)
	svc := newTestService(t, repo)

	res, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{OrderID: 100, SupplierID: 5})
	require.NoError(t, err)

	repo.reportGate = make(chan struct{})
	repo.reportStarted = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.GetReport(ctx, res.Invoice.ID)
		firstErr <- err
	}()
	<-repo.reportStarted
	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	second := make(chan error, 1)
	go func() {
		report, err := svc.GetReport(context.Background(), res.Invoice.ID)
		if err == nil && !report.ValueTotal.Equal(dec("53.33")) {
			err = errors.New("unexpected report total " + report.ValueTotal.String())
		}
		second <- err
	}()
	close(repo.reportGate)
	require.NoError(t, <-second)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.NoError(t, repo.reportCtxErr)
}

func TestGetReportMissingInvoice(t *testing.T) {
	svc := newTestService(t, newMemoryBillingRepo())
	_, err := svc.GetReport(context.Background(), 42)
	require.ErrorIs(t, err, ErrReportNotFound)
}

func TestCancelInvoiceRules(t *testing.T) {
	repo := newMemoryBillingRepo()
	seedTwoItemOrder(repo)
	svc := newTestService(t, repo)
	ctx := context.Background()

	res, err := svc.CreateInvoice(ctx, CreateInvoiceInput{OrderID: 100, SupplierID: 5})
	require.NoError(t, err)

	require.ErrorIs(t, svc.CancelInvoice(ctx, CancelInvoiceInput{InvoiceID: res.Invoice.ID, Reason: "  "}), ErrInvalidInput)
	require.NoError(t, svc.CancelInvoice(ctx, CancelInvoiceInput{InvoiceID: res.Invoice.ID, Reason: "duplicada"}))
	require.ErrorIs(t, svc.CancelInvoice(ctx, CancelInvoiceInput{InvoiceID: res.Invoice.ID, Reason: "duplicada"}), ErrInvalidStatus)
	require.ErrorIs(t, svc.CancelInvoice(ctx, CancelInvoiceInput{InvoiceID: 999, Reason: "x"}), ErrInvoiceNotFound)

	inv, err := svc.GetInvoice(ctx, res.Invoice.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusCancelled, inv.Status)
	require.Equal(t, "duplicada", inv.CancelReason)
	require.Len(t, inv.Details, 5)
}

func TestDeleteInvoiceCascades(t *testing.T) {
	repo := newMemoryBillingRepo()
	seedTwoItemOrder(repo)
	svc := newTestService(t, repo)
	ctx := context.Background()

	res, err := svc.CreateInvoice(ctx, CreateInvoiceInput{OrderID: 100, SupplierID: 5})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteInvoice(ctx, res.Invoice.ID))
	require.Empty(t, repo.invoices)
	require.Empty(t, repo.details)
	require.ErrorIs(t, svc.DeleteInvoice(ctx, res.Invoice.ID), ErrInvoiceNotFound)
	require.ErrorIs(t, svc.DeleteInvoice(ctx, 0), ErrInvalidInput)
}

func TestListInvoicesAppliesDefaults(t *testing.T) {
	repo := newMemoryBillingRepo()
	seedTwoItemOrder(repo)
	svc := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.CreateInvoice(ctx, CreateInvoiceInput{OrderID: 100, SupplierID: 5})
	require.NoError(t, err)

	list, err := svc.ListInvoices(ctx, ListInvoicesRequest{Limit: 1000, Offset: -3})
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = svc.ListInvoices(ctx, ListInvoicesRequest{SupplierID: 6})
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestVerifyInvoiceReportsMismatches(t *testing.T) {
	repo := newMemoryBillingRepo()
	seedTwoItemOrder(repo)
	svc := newTestService(t, repo)
	metrics := NewMetrics(prometheus.NewRegistry())
	svc.SetMetrics(metrics)
	ctx := context.Background()

	res, err := svc.CreateInvoice(ctx, CreateInvoiceInput{OrderID: 100, SupplierID: 5})
	require.NoError(t, err)

	rows := repo.details[res.Invoice.ID]
	rows[0].ValueModality = rows[0].ValueModality.Add(dec("0.01"))
	rows[0].QuantityModality = rows[0].QuantityModality.Sub(dec("0.001"))

	rec, err := svc.VerifyInvoice(ctx, res.Invoice.ID)
	require.NoError(t, err)
	require.False(t, rec.OK())
	require.Len(t, rec.Mismatches, 2)
	requireDecimal(t, "53.34", rec.DetailTotal)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.reconcileRuns.WithLabelValues("mismatch")))

	_, err = svc.VerifyInvoice(ctx, 999)
	require.ErrorIs(t, err, ErrInvoiceNotFound)
}

type recordingIntegration struct {
	events []InvoiceIssuedEvent
	err    error
}

func (r *recordingIntegration) HandleInvoiceIssued(ctx context.Context, evt InvoiceIssuedEvent) error {
	r.events = append(r.events, evt)
	return r.err
}

func TestCreateInvoicePublishesIssuedEvent(t *testing.T) {
	repo := newMemoryBillingRepo()
	seedTwoItemOrder(repo)
	svc := newTestService(t, repo)
	hook := &recordingIntegration{err: errors.New("queue down")}
	svc.SetIntegrationHandler(hook)

	res, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{OrderID: 100, SupplierID: 5})
	require.NoError(t, err, "hook failures must not fail a committed invoice")
	require.Len(t, hook.events, 1)
	require.Equal(t, res.Invoice.ID, hook.events[0].InvoiceID)
	require.Equal(t, 2, hook.events[0].Items)
	requireDecimal(t, "53.33", hook.events[0].TotalValue)

	_, err = svc.CreateInvoice(context.Background(), CreateInvoiceInput{OrderID: 100, SupplierID: 5})
	require.ErrorIs(t, err, ErrOrderAlreadyInvoiced)
	require.Len(t, hook.events, 1)
}
