package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"catalog-orders/internal/broker"
	"catalog-orders/internal/cache"
	"catalog-orders/internal/models"
	"catalog-orders/internal/service"
	"catalog-orders/internal/store/memory"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router *gin.Engine
	store  *memory.Store
}

func newTestServer(t *testing.T, checks map[string]ReadinessCheck) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := memory.NewStore()
	listings := cache.NewMemoryCache()
	orders := service.NewOrderService(mem, listings, broker.NopPublisher{})
	catalog := service.NewCatalogService(mem, listings, cache.DefaultTTL, broker.NopPublisher{})

	router := gin.New()
	NewHandler(orders, catalog, checks).SetupRoutes(router)
	return &testServer{router: router, store: mem}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) seed(t *testing.T, slug, price string, stock int) *models.Product {
	t.Helper()
	p := &models.Product{
		Name:          slug,
		Slug:          slug,
		Price:         decimal.RequireFromString(price),
		StockQuantity: stock,
		IsActive:      true,
	}
	require.NoError(t, s.store.UpsertProduct(context.Background(), p))
	return p
}

func user(id int64) map[string]string {
	return map[string]string{headerUserID: fmt.Sprint(id)}
}

func admin() map[string]string {
	return map[string]string{headerUserID: "1", headerUserRole: roleAdmin}
}

func TestHealthAndRequestID(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/health", nil, map[string]string{headerRequestID: "abc"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", rec.Header().Get(headerRequestID))

	rec = s.do(t, http.MethodGet, "/health", nil, nil)
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))
}

func TestReadiness(t *testing.T) {
	s := newTestServer(t, map[string]ReadinessCheck{
		"database": func(context.Context) error { return nil },
	})
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/ready", nil, nil).Code)

	s = newTestServer(t, map[string]ReadinessCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	rec := s.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")
}

func TestPlaceOrderEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.seed(t, "lamp", "12.50", 4)

	rec := s.do(t, http.MethodPost, "/api/v1/orders", map[string]interface{}{
		"lines":            []map[string]interface{}{{"product_id": p.ID, "quantity": 2}},
		"shipping_address": "1 Main St",
	}, user(5))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var order models.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	assert.Equal(t, int64(5), order.UserID)
	assert.True(t, decimal.RequireFromString("25").Equal(order.TotalPrice))
	assert.Equal(t, "1 Main St", order.ShippingAddress)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/orders/%d", order.ID), nil, user(5))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/orders/%d", order.ID), nil, user(6))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/orders/%d", order.ID), nil, admin())
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/orders/history", nil, user(5))
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Orders []models.Order `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Orders, 1)
	assert.Equal(t, order.ID, history.Orders[0].ID)
}

func TestIdempotencyKeyDoesNotLeakAcrossUsers(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.seed(t, "lamp", "3.00", 10)

	place := func(userID int64, qty int, address string) models.Order {
		headers := user(userID)
		headers["Idempotency-Key"] = "k1"
		rec := s.do(t, http.MethodPost, "/api/v1/orders", map[string]interface{}{
			"lines":            []map[string]interface{}{{"product_id": p.ID, "quantity": qty}},
			"shipping_address": address,
		}, headers)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var order models.Order
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
		return order
	}

	first := place(7, 1, "7 First St")
	second := place(8, 2, "8 Second St")
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, int64(8), second.UserID)
	assert.Equal(t, "8 Second St", second.ShippingAddress)

	again := place(7, 1, "7 First St")
	assert.Equal(t, first.ID, again.ID)

	product, err := s.store.GetProductByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, product.StockQuantity)
}

func TestPlaceOrderErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.seed(t, "lamp", "1.00", 1)

	tests := []struct {
		name    string
		body    interface{}
		headers map[string]string
		status  int
	}{
		{"no identity", map[string]interface{}{"lines": []map[string]interface{}{{"product_id": p.ID, "quantity": 1}}}, nil, http.StatusUnauthorized},
		{"empty lines", map[string]interface{}{"lines": []map[string]interface{}{}}, user(1), http.StatusBadRequest},
		{"bad quantity", map[string]interface{}{"lines": []map[string]interface{}{{"product_id": p.ID, "quantity": 0}}}, user(1), http.StatusBadRequest},
		{"unknown product", map[string]interface{}{"lines": []map[string]interface{}{{"product_id": 999, "quantity": 1}}}, user(1), http.StatusNotFound},
		{"insufficient stock", map[string]interface{}{"lines": []map[string]interface{}{{"product_id": p.ID, "quantity": 5}}}, user(1), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/orders", tt.body, tt.headers)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	rec := s.do(t, http.MethodPost, "/api/v1/orders", map[string]interface{}{
		"lines": []map[string]interface{}{{"product_id": p.ID, "quantity": 5}},
	}, user(1))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["available"])
	assert.EqualValues(t, 5, body["requested"])
}

func TestWriteErrorPersistence(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	writeError(c, fmt.Errorf("%w: create order: %w", models.ErrPersistence, errors.New("timeout")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "retryable")
}

func TestProductEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	shoes := s.store.AddCategory("Running Shoes")

	body := map[string]interface{}{
		"name":           "Trail runner",
		"slug":           "trail-runner",
		"price":          "89.90",
		"stock_quantity": 3,
		"category_ids":   []int64{shoes.ID},
	}

	rec := s.do(t, http.MethodPost, "/api/v1/products", body, user(2))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/products", body, admin())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created models.Product
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, created.IsActive)

	rec = s.do(t, http.MethodPost, "/api/v1/products", body, admin())
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/products?category_ids=%d&category_name=SHOE", shoes.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page models.ProductPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, 10, page.PerPage)

	body["stock_quantity"] = 7
	rec = s.do(t, http.MethodPut, fmt.Sprintf("/api/v1/products/%d", created.ID), body, admin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/v1/products", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, 7, page.Items[0].StockQuantity)

	rec = s.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/products/%d", created.ID), nil, admin())
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/products", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Empty(t, page.Items)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/products/%d", created.ID), nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/products?page=x", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/products?category_ids=a", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/products/404", nil, nil).Code)
}

func TestStockEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.seed(t, "lamp", "1.00", 3)

	reserve := fmt.Sprintf("/api/v1/products/%d/stock/reserve", p.ID)
	release := fmt.Sprintf("/api/v1/products/%d/stock/release", p.ID)

	// listing is cached before the stock moves
	rec := s.do(t, http.MethodGet, "/api/v1/products", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, reserve, map[string]int{"quantity": 1}, user(2)).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, reserve, map[string]int{"quantity": 0}, admin()).Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, reserve, map[string]int{"quantity": 4}, admin()).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/v1/products/999/stock/reserve", map[string]int{"quantity": 1}, admin()).Code)

	rec = s.do(t, http.MethodPost, reserve, map[string]int{"quantity": 2}, admin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var product models.Product
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &product))
	assert.Equal(t, 1, product.StockQuantity)

	var page models.ProductPage
	rec = s.do(t, http.MethodGet, "/api/v1/products", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, 1, page.Items[0].StockQuantity)

	rec = s.do(t, http.MethodPost, release, map[string]int{"quantity": 5}, admin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &product))
	assert.Equal(t, 6, product.StockQuantity)
}

func TestUpdateOrderStatusEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.seed(t, "lamp", "1.00", 2)

	rec := s.do(t, http.MethodPost, "/api/v1/orders", map[string]interface{}{
		"lines": []map[string]interface{}{{"product_id": p.ID, "quantity": 1}},
	}, user(3))
	require.Equal(t, http.StatusCreated, rec.Code)
	var order models.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))

	path := fmt.Sprintf("/api/v1/orders/%d/status", order.ID)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPatch, path, map[string]string{"status": "shipped"}, user(3)).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPatch, path, map[string]string{"status": "lost"}, admin()).Code)

	rec = s.do(t, http.MethodPatch, path, map[string]string{"status": "shipped"}, admin())
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	assert.Equal(t, models.OrderStatusShipped, order.Status)
}
