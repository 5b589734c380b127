package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"salecore/internal/gating"
	"salecore/internal/oracle"
	"salecore/internal/platform/metrics"
	"salecore/internal/platform/middleware"
	"salecore/internal/sale/models"
	"salecore/internal/sale/service"
	"salecore/internal/sale/store/memory"
	"salecore/internal/transport/http/shared"
	id "salecore/pkg/domain"
	"salecore/pkg/requestcontext"
)

const signingKey = "test-signing-key"

type verifiedKYC struct{}

func (verifiedKYC) Status(context.Context, id.BuyerID) (gating.KYCStatus, error) {
	return gating.KYCStatus{State: gating.KYCVerified, Tier: 3}, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, models.Distribution) error { return nil }

type recordingWatcher struct {
	mu      sync.Mutex
	watched []models.Reservation
}

func (w *recordingWatcher) Watch(_ context.Context, res models.Reservation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched = append(w.watched, res)
}

func (w *recordingWatcher) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

type handlerFixture struct {
	router  http.Handler
	store   *memory.Store
	watcher *recordingWatcher
	now     time.Time
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := memory.New()
	rates := oracle.NewStaticSource()
	rates.SetClock(clock)
	rates.Set("USD", "USD", decimal.NewFromInt(1), 6)
	priceOracle := oracle.New(rates, oracle.WithClock(clock), oracle.WithMaxRateAge(2*time.Minute))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(
		store,
		priceOracle,
		verifiedKYC{},
		gating.Thresholds{EnhancedScrutinyAmount: decimal.NewFromInt(10000), EnhancedTier: 2},
		nopPublisher{},
		metrics.New(nil),
		logger,
		service.WithClock(clock),
		service.WithQuoteRetries(0),
	)

	watcher := &recordingWatcher{}
	h := New(svc, watcher, logger)

	r := chi.NewRouter()
	// The production router uses middleware.RequestTime (wall clock); here
	// every request observes the fixture clock instead.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(requestcontext.WithTime(req.Context(), clock())))
		})
	})
	r.Use(middleware.RequireBuyer(middleware.NewHMACValidator(signingKey), logger))
	h.RegisterRoutes(r)

	return &handlerFixture{router: r, store: store, watcher: watcher, now: now}
}

func (f *handlerFixture) seedSale(t *testing.T) models.Sale {
	t.Helper()
	sale := models.Sale{
		ID:            id.SaleID(uuid.New()),
		TokenSymbol:   "NVT",
		TotalSupply:   decimal.NewFromInt(1000),
		Reserved:      decimal.Zero,
		Confirmed:     decimal.Zero,
		UnitPrice:     decimal.NewFromInt(1),
		PriceCurrency: "USD",
		StartsAt:      f.now.Add(-time.Hour),
		EndsAt:        f.now.Add(24 * time.Hour),
		Rails:         []models.Rail{models.RailCrypto, models.RailFiat},
		CreatedAt:     f.now,
		UpdatedAt:     f.now,
	}
	f.store.PutSale(sale)
	return sale
}

func buyerToken(t *testing.T, buyerID id.BuyerID) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   buyerID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(signingKey))
	require.NoError(t, err)
	return signed
}

func (f *handlerFixture) do(t *testing.T, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeReservation(t *testing.T, rec *httptest.ResponseRecorder) ReservationResponse {
	t.Helper()
	var resp ReservationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body shared.ErrorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error.Code
}

func TestBuyerTokenRequired(t *testing.T) {
	f := newHandlerFixture(t)
	sale := f.seedSale(t)

	rec := f.do(t, http.MethodGet, "/sales/"+sale.ID.String(), "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/sales/"+sale.ID.String(), "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetSale(t *testing.T) {
	f := newHandlerFixture(t)
	sale := f.seedSale(t)
	token := buyerToken(t, id.BuyerID(uuid.New()))

	rec := f.do(t, http.MethodGet, "/sales/"+sale.ID.String(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SaleResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, sale.ID.String(), resp.ID)
	require.Equal(t, "1000", resp.Available)
	require.True(t, resp.Open)
	require.ElementsMatch(t, []string{"crypto", "fiat"}, resp.Rails)

	// Openness is judged against the request time, so a sale whose window
	// closed before the fixture clock reports closed.
	ended := f.seedSale(t)
	ended.StartsAt = f.now.Add(-48 * time.Hour)
	ended.EndsAt = f.now.Add(-24 * time.Hour)
	f.store.PutSale(ended)

	rec = f.do(t, http.MethodGet, "/sales/"+ended.ID.String(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var endedResp SaleResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&endedResp))
	require.False(t, endedResp.Open)

	rec = f.do(t, http.MethodGet, "/sales/not-a-uuid", token, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_input", decodeErrorCode(t, rec))

	rec = f.do(t, http.MethodGet, "/sales/"+uuid.New().String(), token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateReservation(t *testing.T) {
	f := newHandlerFixture(t)
	sale := f.seedSale(t)
	token := buyerToken(t, id.BuyerID(uuid.New()))

	rec := f.do(t, http.MethodPost, "/sales/"+sale.ID.String()+"/reservations", token, CreateReservationRequest{
		Rail:               "crypto",
		SpendCurrency:      "USD",
		SpendAmount:        "150",
		DestinationAddress: "0xdest",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decodeReservation(t, rec)
	require.Equal(t, "pending", resp.Status)
	require.Equal(t, "150", resp.Quantity)
	require.Equal(t, "150", resp.Quote.TotalCost)
	require.Equal(t, "USD", resp.Quote.SourceCurrency)
	require.Equal(t, f.now.Add(30*time.Minute), resp.ExpiresAt.UTC())
}

func TestCreateReservationRejectsBadInput(t *testing.T) {
	f := newHandlerFixture(t)
	sale := f.seedSale(t)
	token := buyerToken(t, id.BuyerID(uuid.New()))
	path := "/sales/" + sale.ID.String() + "/reservations"

	rec := f.do(t, http.MethodPost, path, token, CreateReservationRequest{
		Rail: "crypto", SpendCurrency: "USD", SpendAmount: "lots",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_input", decodeErrorCode(t, rec))

	rec = f.do(t, http.MethodPost, path, token, CreateReservationRequest{
		Rail: "carrier-pigeon", SpendCurrency: "USD", SpendAmount: "100",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_input", decodeErrorCode(t, rec))

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte("{not json")))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateReservationOverCapacity(t *testing.T) {
	f := newHandlerFixture(t)
	sale := f.seedSale(t)
	token := buyerToken(t, id.BuyerID(uuid.New()))
	path := "/sales/" + sale.ID.String() + "/reservations"

	rec := f.do(t, http.MethodPost, path, token, CreateReservationRequest{
		Rail: "fiat", SpendCurrency: "USD", SpendAmount: "900",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, path, token, CreateReservationRequest{
		Rail: "fiat", SpendCurrency: "USD", SpendAmount: "200",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "capacity_exceeded", decodeErrorCode(t, rec))
}

func TestReservationOwnership(t *testing.T) {
	f := newHandlerFixture(t)
	sale := f.seedSale(t)
	owner := id.BuyerID(uuid.New())
	ownerToken := buyerToken(t, owner)
	strangerToken := buyerToken(t, id.BuyerID(uuid.New()))

	rec := f.do(t, http.MethodPost, "/sales/"+sale.ID.String()+"/reservations", ownerToken, CreateReservationRequest{
		Rail: "crypto", SpendCurrency: "USD", SpendAmount: "50", DestinationAddress: "0xdest",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeReservation(t, rec)

	rec = f.do(t, http.MethodGet, "/reservations/"+created.ID, ownerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Another buyer must not learn the reservation exists.
	rec = f.do(t, http.MethodGet, "/reservations/"+created.ID, strangerToken, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/reservations/"+created.ID+"/cancel", strangerToken, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/reservations", strangerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []ReservationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listed))
	require.Empty(t, listed)

	rec = f.do(t, http.MethodGet, "/reservations", ownerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listed))
	require.Len(t, listed, 1)
	require.Equal(t, created.ID, listed[0].ID)
}

func TestCancelReservation(t *testing.T) {
	f := newHandlerFixture(t)
	sale := f.seedSale(t)
	token := buyerToken(t, id.BuyerID(uuid.New()))

	rec := f.do(t, http.MethodPost, "/sales/"+sale.ID.String()+"/reservations", token, CreateReservationRequest{
		Rail: "fiat", SpendCurrency: "USD", SpendAmount: "40",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeReservation(t, rec)

	rec = f.do(t, http.MethodPost, "/reservations/"+created.ID+"/cancel", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "cancelled", decodeReservation(t, rec).Status)

	// Cancelling again is an idempotent no-op, and the capacity came back
	// exactly once.
	rec = f.do(t, http.MethodPost, "/reservations/"+created.ID+"/cancel", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "cancelled", decodeReservation(t, rec).Status)

	stored, err := f.store.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	require.True(t, stored.Reserved.IsZero())
}

func TestAttachPayment(t *testing.T) {
	f := newHandlerFixture(t)
	sale := f.seedSale(t)
	token := buyerToken(t, id.BuyerID(uuid.New()))

	rec := f.do(t, http.MethodPost, "/sales/"+sale.ID.String()+"/reservations", token, CreateReservationRequest{
		Rail: "crypto", SpendCurrency: "USD", SpendAmount: "75", DestinationAddress: "0xdest",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeReservation(t, rec)

	rec = f.do(t, http.MethodPost, "/reservations/"+created.ID+"/payment", token, AttachPaymentRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, 0, f.watcher.count())

	rec = f.do(t, http.MethodPost, "/reservations/"+created.ID+"/payment", token, AttachPaymentRequest{
		ChainID: "eth-mainnet",
		TxHash:  "0xabc",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, f.watcher.count())
	require.Equal(t, created.ID, f.watcher.watched[0].ID.String())
}

func TestAttachPaymentOnFiatReservation(t *testing.T) {
	f := newHandlerFixture(t)
	sale := f.seedSale(t)
	token := buyerToken(t, id.BuyerID(uuid.New()))

	rec := f.do(t, http.MethodPost, "/sales/"+sale.ID.String()+"/reservations", token, CreateReservationRequest{
		Rail: "fiat", SpendCurrency: "USD", SpendAmount: "75",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeReservation(t, rec)

	rec = f.do(t, http.MethodPost, "/reservations/"+created.ID+"/payment", token, AttachPaymentRequest{
		ChainID: "eth-mainnet",
		TxHash:  "0xabc",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_input", decodeErrorCode(t, rec))
	require.Equal(t, 0, f.watcher.count())
}
