// Package memory is an in-process implementation of the store interfaces for
// local development and tests. Transactions are serialized: RunInTx holds the
// write lock for the whole callback and works on a private copy of the data
// that replaces the live copy only on success.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"catalog-orders/internal/models"
	"catalog-orders/internal/store"
)

// idemKey scopes an idempotency key to the user that sent it
type idemKey struct {
	userID int64
	key    string
}

type state struct {
	products   map[int64]models.Product
	categories map[int64]models.Category
	links      map[int64]map[int64]struct{}
	orders     map[int64]models.Order
	lines      map[int64][]models.OrderLine
	idem       map[idemKey]int64

	nextProductID  int64
	nextCategoryID int64
	nextOrderID    int64
	nextLineID     int64

	now func() time.Time
}

func (st *state) clone() *state {
	c := *st
	c.products = make(map[int64]models.Product, len(st.products))
	for k, v := range st.products {
		c.products[k] = v
	}
	c.categories = make(map[int64]models.Category, len(st.categories))
	for k, v := range st.categories {
		c.categories[k] = v
	}
	c.links = make(map[int64]map[int64]struct{}, len(st.links))
	for k, v := range st.links {
		inner := make(map[int64]struct{}, len(v))
		for id := range v {
			inner[id] = struct{}{}
		}
		c.links[k] = inner
	}
	c.orders = make(map[int64]models.Order, len(st.orders))
	for k, v := range st.orders {
		c.orders[k] = v
	}
	c.lines = make(map[int64][]models.OrderLine, len(st.lines))
	for k, v := range st.lines {
		c.lines[k] = v
	}
	c.idem = make(map[idemKey]int64, len(st.idem))
	for k, v := range st.idem {
		c.idem[k] = v
	}
	return &c
}

// Store is the live, lock-guarded in-memory database
type Store struct {
	mu sync.RWMutex
	st *state
}

var (
	_ store.Repository = (*Store)(nil)
	_ store.TxRunner   = (*Store)(nil)
	_ store.Repository = (*txView)(nil)
)

// NewStore returns an empty in-memory store
func NewStore() *Store {
	return NewStoreWithClock(time.Now)
}

// NewStoreWithClock returns an empty store stamping rows with now
func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{st: &state{
		products:   make(map[int64]models.Product),
		categories: make(map[int64]models.Category),
		links:      make(map[int64]map[int64]struct{}),
		orders:     make(map[int64]models.Order),
		lines:      make(map[int64][]models.OrderLine),
		idem:       make(map[idemKey]int64),
		now:        now,
	}}
}

// AddCategory creates a category. Category maintenance is not part of the
// store interfaces, so seeding code and tests call this directly.
func (s *Store) AddCategory(name string) models.Category {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.nextCategoryID++
	c := models.Category{ID: s.st.nextCategoryID, Name: name}
	s.st.categories[c.ID] = c
	return c
}

// RunInTx implements store.TxRunner
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, repo store.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", models.ErrPersistence, err)
	}

	work := s.st.clone()
	if err := fn(ctx, &txView{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: commit: %w", models.ErrPersistence, err)
	}
	s.st = work
	return nil
}

func (s *Store) read(fn func(st *state) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.st)
}

// write applies fn to a copy so that a failing operation leaves no trace
func (s *Store) write(fn func(st *state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(work); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) GetProductByID(_ context.Context, id int64) (p *models.Product, err error) {
	err = s.read(func(st *state) error {
		p, err = st.getProduct(id)
		return err
	})
	return p, err
}

func (s *Store) ListProducts(_ context.Context, filter models.ProductFilter, page, perPage int) (out *models.ProductPage, err error) {
	err = s.read(func(st *state) error {
		out = st.listProducts(filter, page, perPage)
		return nil
	})
	return out, err
}

func (s *Store) ReserveStock(_ context.Context, productID int64, quantity int) (p *models.Product, err error) {
	err = s.write(func(st *state) error {
		p, err = st.reserveStock(productID, quantity)
		return err
	})
	return p, err
}

func (s *Store) ReleaseStock(_ context.Context, productID int64, quantity int) error {
	return s.write(func(st *state) error { return st.releaseStock(productID, quantity) })
}

func (s *Store) UpsertProduct(_ context.Context, product *models.Product) error {
	return s.write(func(st *state) error { return st.upsertProduct(product) })
}

func (s *Store) SoftDeleteProduct(_ context.Context, id int64) error {
	return s.write(func(st *state) error { return st.softDeleteProduct(id) })
}

func (s *Store) CreateOrderWithLines(_ context.Context, order *models.Order, lines []models.OrderLine) (o *models.Order, err error) {
	err = s.write(func(st *state) error {
		o, err = st.createOrder(order, lines)
		return err
	})
	return o, err
}

func (s *Store) GetOrderByID(_ context.Context, id int64) (o *models.Order, err error) {
	err = s.read(func(st *state) error {
		o, err = st.getOrder(id)
		return err
	})
	return o, err
}

func (s *Store) GetOrderByIdempotencyKey(_ context.Context, userID int64, key string) (o *models.Order, err error) {
	err = s.read(func(st *state) error {
		o = st.getOrderByKey(userID, key)
		return nil
	})
	return o, err
}

func (s *Store) ListOrdersByUser(_ context.Context, userID int64) (out []models.Order, err error) {
	err = s.read(func(st *state) error {
		out = st.listOrders(userID)
		return nil
	})
	return out, err
}

func (s *Store) UpdateOrderStatus(_ context.Context, orderID int64, status models.OrderStatus) error {
	return s.write(func(st *state) error { return st.updateOrderStatus(orderID, status) })
}

// txView is the repository handed to RunInTx callbacks. The surrounding
// transaction already holds the lock, so it touches its state directly.
type txView struct {
	st *state
}

func (v *txView) RunInTx(ctx context.Context, fn func(ctx context.Context, repo store.Repository) error) error {
	return fn(ctx, v)
}

func (v *txView) GetProductByID(_ context.Context, id int64) (*models.Product, error) {
	return v.st.getProduct(id)
}

func (v *txView) ListProducts(_ context.Context, filter models.ProductFilter, page, perPage int) (*models.ProductPage, error) {
	return v.st.listProducts(filter, page, perPage), nil
}

func (v *txView) ReserveStock(_ context.Context, productID int64, quantity int) (*models.Product, error) {
	return v.st.reserveStock(productID, quantity)
}

func (v *txView) ReleaseStock(_ context.Context, productID int64, quantity int) error {
	return v.st.releaseStock(productID, quantity)
}

func (v *txView) UpsertProduct(_ context.Context, product *models.Product) error {
	return v.st.upsertProduct(product)
}

func (v *txView) SoftDeleteProduct(_ context.Context, id int64) error {
	return v.st.softDeleteProduct(id)
}

func (v *txView) CreateOrderWithLines(_ context.Context, order *models.Order, lines []models.OrderLine) (*models.Order, error) {
	return v.st.createOrder(order, lines)
}

func (v *txView) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	return v.st.getOrder(id)
}

func (v *txView) GetOrderByIdempotencyKey(_ context.Context, userID int64, key string) (*models.Order, error) {
	return v.st.getOrderByKey(userID, key), nil
}

func (v *txView) ListOrdersByUser(_ context.Context, userID int64) ([]models.Order, error) {
	return v.st.listOrders(userID), nil
}

func (v *txView) UpdateOrderStatus(_ context.Context, orderID int64, status models.OrderStatus) error {
	return v.st.updateOrderStatus(orderID, status)
}

func (st *state) withCategories(p models.Product) models.Product {
	ids := make([]int64, 0, len(st.links[p.ID]))
	for id := range st.links[p.ID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	p.CategoryIDs = ids
	p.Categories = make([]models.Category, 0, len(ids))
	for _, id := range ids {
		p.Categories = append(p.Categories, st.categories[id])
	}
	if p.ImagePaths != nil {
		p.ImagePaths = append([]string(nil), p.ImagePaths...)
	}
	return p
}

func (st *state) getProduct(id int64) (*models.Product, error) {
	p, ok := st.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrProductNotFound, id)
	}
	out := st.withCategories(p)
	return &out, nil
}

func (st *state) matches(p models.Product, filter models.ProductFilter) bool {
	if p.IsDeleted() {
		return false
	}

	if len(filter.CategoryIDs) > 0 {
		found := false
		for _, id := range filter.CategoryIDs {
			if _, ok := st.links[p.ID][id]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if name := strings.ToLower(strings.TrimSpace(filter.CategoryName)); name != "" {
		found := false
		for id := range st.links[p.ID] {
			if strings.Contains(strings.ToLower(st.categories[id].Name), name) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (st *state) listProducts(filter models.ProductFilter, page, perPage int) *models.ProductPage {
	page, perPage = store.NormalizePage(page, perPage)

	ids := make([]int64, 0, len(st.products))
	for id, p := range st.products {
		if st.matches(p, filter) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	items := []models.Product{}
	for i := (page - 1) * perPage; i < len(ids) && i < page*perPage; i++ {
		items = append(items, st.withCategories(st.products[ids[i]]))
	}

	return &models.ProductPage{
		Items:    items,
		Page:     page,
		PerPage:  perPage,
		Total:    len(ids),
		LastPage: store.LastPage(len(ids), perPage),
	}
}

func (st *state) reserveStock(productID int64, quantity int) (*models.Product, error) {
	if quantity <= 0 {
		return nil, models.ErrInvalidQuantity
	}

	p, ok := st.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrProductNotFound, productID)
	}
	if !p.Orderable() {
		return nil, fmt.Errorf("%w: %d is not available for ordering", models.ErrProductNotFound, productID)
	}
	if p.StockQuantity < quantity {
		return nil, &models.InsufficientStockError{
			ProductID: productID,
			Requested: quantity,
			Available: p.StockQuantity,
		}
	}

	p.StockQuantity -= quantity
	p.UpdatedAt = st.now()
	st.products[productID] = p

	out := st.withCategories(p)
	return &out, nil
}

func (st *state) releaseStock(productID int64, quantity int) error {
	if quantity <= 0 {
		return models.ErrInvalidQuantity
	}

	p, ok := st.products[productID]
	if !ok {
		return fmt.Errorf("%w: %d", models.ErrProductNotFound, productID)
	}
	p.StockQuantity += quantity
	p.UpdatedAt = st.now()
	st.products[productID] = p
	return nil
}

func (st *state) upsertProduct(product *models.Product) error {
	if err := store.ValidateProduct(product); err != nil {
		return err
	}

	for id, other := range st.products {
		if id != product.ID && other.Slug == product.Slug {
			return models.ErrDuplicateSlug
		}
	}
	for _, cid := range product.CategoryIDs {
		if _, ok := st.categories[cid]; !ok {
			return fmt.Errorf("%w: unknown category", models.ErrValidation)
		}
	}

	now := st.now()
	row := *product
	row.CategoryIDs, row.Categories = nil, nil
	row.ImagePaths = append([]string(nil), product.ImagePaths...)

	if product.ID == 0 {
		st.nextProductID++
		row.ID = st.nextProductID
		row.CreatedAt = now
	} else {
		existing, ok := st.products[product.ID]
		if !ok || existing.IsDeleted() {
			return fmt.Errorf("%w: %d", models.ErrProductNotFound, product.ID)
		}
		row.CreatedAt = existing.CreatedAt
		row.DeletedAt = nil
	}
	row.UpdatedAt = now
	st.products[row.ID] = row

	links := make(map[int64]struct{}, len(st.links[row.ID])+len(product.CategoryIDs))
	for id := range st.links[row.ID] {
		links[id] = struct{}{}
	}
	for _, id := range product.CategoryIDs {
		links[id] = struct{}{}
	}
	st.links[row.ID] = links

	*product = st.withCategories(row)
	return nil
}

func (st *state) softDeleteProduct(id int64) error {
	p, ok := st.products[id]
	if !ok || p.IsDeleted() {
		return fmt.Errorf("%w: %d", models.ErrProductNotFound, id)
	}
	now := st.now()
	p.DeletedAt = &now
	p.UpdatedAt = now
	st.products[id] = p
	return nil
}

func (st *state) createOrder(order *models.Order, lines []models.OrderLine) (*models.Order, error) {
	created := *order
	prepared, err := store.PrepareOrder(&created, lines)
	if err != nil {
		return nil, err
	}

	idem := idemKey{userID: created.UserID, key: created.IdempotencyKey}
	if idem.key != "" {
		if _, taken := st.idem[idem]; taken {
			return nil, models.ErrDuplicateOrder
		}
	}

	now := st.now()
	st.nextOrderID++
	created.ID = st.nextOrderID
	created.CreatedAt = now
	created.UpdatedAt = now

	for i := range prepared {
		st.nextLineID++
		prepared[i].ID = st.nextLineID
		prepared[i].OrderID = created.ID
	}

	stored := created
	stored.Lines = nil
	st.orders[created.ID] = stored
	st.lines[created.ID] = prepared
	if idem.key != "" {
		st.idem[idem] = created.ID
	}

	created.Lines = append([]models.OrderLine(nil), prepared...)
	return &created, nil
}

func (st *state) loadOrder(o models.Order) models.Order {
	o.Lines = append([]models.OrderLine{}, st.lines[o.ID]...)
	return o
}

func (st *state) getOrder(id int64) (*models.Order, error) {
	o, ok := st.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, id)
	}
	out := st.loadOrder(o)
	return &out, nil
}

func (st *state) getOrderByKey(userID int64, key string) *models.Order {
	id, ok := st.idem[idemKey{userID: userID, key: key}]
	if key == "" || !ok {
		return nil
	}
	out := st.loadOrder(st.orders[id])
	return &out
}

func (st *state) listOrders(userID int64) []models.Order {
	out := []models.Order{}
	for _, o := range st.orders {
		if o.UserID == userID {
			out = append(out, st.loadOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (st *state) updateOrderStatus(orderID int64, status models.OrderStatus) error {
	if !status.Valid() {
		return models.ErrInvalidStatus
	}
	o, ok := st.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %d", models.ErrOrderNotFound, orderID)
	}
	o.Status = status
	o.UpdatedAt = st.now()
	st.orders[orderID] = o
	return nil
}
