package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"catalog-orders/internal/models"
	"catalog-orders/internal/util"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const productColumns = `p.id, p.name, p.slug, p.description, p.price, p.stock_quantity,
	p.is_active, p.image_paths, p.deleted_at, p.created_at, p.updated_at`

type productRow struct {
	models.Product
	ImagePaths pq.StringArray `db:"image_paths"`
}

func (r productRow) toModel() models.Product {
	p := r.Product
	p.ImagePaths = []string(r.ImagePaths)
	return p
}

type categoryLink struct {
	ProductID int64  `db:"product_id"`
	ID        int64  `db:"id"`
	Name      string `db:"name"`
}

// GetProductByID retrieves a product by ID, including soft-deleted ones so
// that historical orders can still be displayed
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "Store.GetProductByID")
	defer span.End()

	var row productRow
	err := sqlx.GetContext(ctx, s.ext, &row,
		"SELECT "+productColumns+" FROM products p WHERE p.id = $1", id)
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: %d", models.ErrProductNotFound, id)
	}
	if err != nil {
		return nil, persistenceErr("get product", err)
	}

	products := []models.Product{row.toModel()}
	if err := s.attachCategories(ctx, products); err != nil {
		return nil, err
	}
	return &products[0], nil
}

// ListProducts returns one page of non-deleted products matching every
// supplied filter
func (s *Store) ListProducts(ctx context.Context, filter models.ProductFilter, page, perPage int) (*models.ProductPage, error) {
	ctx, span := util.StartSpan(ctx, "Store.ListProducts")
	defer span.End()

	page, perPage = NormalizePage(page, perPage)

	where, args := productFilterClause(filter)

	var total int
	if err := sqlx.GetContext(ctx, s.ext, &total,
		"SELECT COUNT(*) FROM products p WHERE "+where, args...); err != nil {
		return nil, persistenceErr("count products", err)
	}

	limitArg := len(args) + 1
	query := fmt.Sprintf("SELECT %s FROM products p WHERE %s ORDER BY p.id LIMIT $%d OFFSET $%d",
		productColumns, where, limitArg, limitArg+1)
	args = append(args, perPage, (page-1)*perPage)

	var rows []productRow
	if err := sqlx.SelectContext(ctx, s.ext, &rows, query, args...); err != nil {
		return nil, persistenceErr("list products", err)
	}

	items := make([]models.Product, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.toModel())
	}
	if err := s.attachCategories(ctx, items); err != nil {
		return nil, err
	}

	return &models.ProductPage{
		Items:    items,
		Page:     page,
		PerPage:  perPage,
		Total:    total,
		LastPage: LastPage(total, perPage),
	}, nil
}

func productFilterClause(filter models.ProductFilter) (string, []interface{}) {
	conds := []string{"p.deleted_at IS NULL"}
	var args []interface{}

	if len(filter.CategoryIDs) > 0 {
		args = append(args, pq.Array(filter.CategoryIDs))
		conds = append(conds, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM category_product cp
			WHERE cp.product_id = p.id AND cp.category_id = ANY($%d))`, len(args)))
	}

	if name := strings.TrimSpace(filter.CategoryName); name != "" {
		args = append(args, "%"+escapeLike(name)+"%")
		conds = append(conds, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM category_product cp
			JOIN categories c ON c.id = cp.category_id
			WHERE cp.product_id = p.id AND c.name ILIKE $%d)`, len(args)))
	}

	return strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func (s *Store) attachCategories(ctx context.Context, products []models.Product) error {
	if len(products) == 0 {
		return nil
	}

	ids := make([]int64, len(products))
	for i := range products {
		ids[i] = products[i].ID
	}

	var links []categoryLink
	err := sqlx.SelectContext(ctx, s.ext, &links, `
		SELECT cp.product_id, c.id, c.name
		FROM category_product cp
		JOIN categories c ON c.id = cp.category_id
		WHERE cp.product_id = ANY($1)
		ORDER BY c.id`, pq.Array(ids))
	if err != nil {
		return persistenceErr("load categories", err)
	}

	byProduct := make(map[int64][]models.Category, len(products))
	for _, l := range links {
		byProduct[l.ProductID] = append(byProduct[l.ProductID], models.Category{ID: l.ID, Name: l.Name})
	}

	for i := range products {
		cats := byProduct[products[i].ID]
		products[i].Categories = cats
		products[i].CategoryIDs = make([]int64, len(cats))
		for j, c := range cats {
			products[i].CategoryIDs[j] = c.ID
		}
	}
	return nil
}

// ReserveStock locks the product row and decrements its stock when enough is
// available. The returned product carries the price at reservation time.
func (s *Store) ReserveStock(ctx context.Context, productID int64, quantity int) (reserved *models.Product, err error) {
	ctx, span := util.StartSpan(ctx, "Store.ReserveStock")
	defer func() { util.EndSpan(span, err) }()

	if quantity <= 0 {
		return nil, models.ErrInvalidQuantity
	}

	err = s.inTx(ctx, func(tx *Store) error {
		var row productRow
		err := sqlx.GetContext(ctx, tx.ext, &row,
			"SELECT "+productColumns+" FROM products p WHERE p.id = $1 FOR UPDATE", productID)
		if isNoRows(err) {
			return fmt.Errorf("%w: %d", models.ErrProductNotFound, productID)
		}
		if err != nil {
			return persistenceErr("lock product", err)
		}

		product := row.toModel()
		if !product.Orderable() {
			return fmt.Errorf("%w: %d is not available for ordering", models.ErrProductNotFound, productID)
		}

		if product.StockQuantity < quantity {
			return &models.InsufficientStockError{
				ProductID: productID,
				Requested: quantity,
				Available: product.StockQuantity,
			}
		}

		if _, err := tx.ext.ExecContext(ctx,
			"UPDATE products SET stock_quantity = stock_quantity - $1, updated_at = NOW() WHERE id = $2",
			quantity, productID); err != nil {
			return persistenceErr("reserve stock", err)
		}

		product.StockQuantity -= quantity
		reserved = &product
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reserved, nil
}

// ReleaseStock adds quantity back to the product (compensation)
func (s *Store) ReleaseStock(ctx context.Context, productID int64, quantity int) error {
	ctx, span := util.StartSpan(ctx, "Store.ReleaseStock")
	defer span.End()

	if quantity <= 0 {
		return models.ErrInvalidQuantity
	}

	res, err := s.ext.ExecContext(ctx,
		"UPDATE products SET stock_quantity = stock_quantity + $1, updated_at = NOW() WHERE id = $2",
		quantity, productID)
	if err != nil {
		return persistenceErr("release stock", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return persistenceErr("release stock", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", models.ErrProductNotFound, productID)
	}
	return nil
}

// ValidateProduct checks the fields a catalog write must carry
func ValidateProduct(p *models.Product) error {
	switch {
	case strings.TrimSpace(p.Name) == "":
		return fmt.Errorf("%w: name is required", models.ErrValidation)
	case strings.TrimSpace(p.Slug) == "":
		return fmt.Errorf("%w: slug is required", models.ErrValidation)
	case p.Price.IsNegative():
		return fmt.Errorf("%w: price must be non-negative", models.ErrValidation)
	case p.StockQuantity < 0:
		return fmt.Errorf("%w: stock quantity must be non-negative", models.ErrValidation)
	}
	return nil
}

// UpsertProduct inserts the product when it has no ID and updates it
// otherwise. Category ids are attached without detaching existing ones.
func (s *Store) UpsertProduct(ctx context.Context, product *models.Product) error {
	ctx, span := util.StartSpan(ctx, "Store.UpsertProduct")
	defer span.End()

	if err := ValidateProduct(product); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *Store) error {
		if product.ID == 0 {
			err := sqlx.GetContext(ctx, tx.ext, product, `
				INSERT INTO products (name, slug, description, price, stock_quantity, is_active, image_paths)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING id, created_at, updated_at`,
				product.Name, product.Slug, product.Description, product.Price,
				product.StockQuantity, product.IsActive, pq.Array(product.ImagePaths))
			if err != nil {
				return mapProductWriteErr("insert product", err)
			}
		} else {
			err := sqlx.GetContext(ctx, tx.ext, product, `
				UPDATE products
				SET name = $1, slug = $2, description = $3, price = $4,
				    stock_quantity = $5, is_active = $6, image_paths = $7, updated_at = NOW()
				WHERE id = $8 AND deleted_at IS NULL
				RETURNING created_at, updated_at`,
				product.Name, product.Slug, product.Description, product.Price,
				product.StockQuantity, product.IsActive, pq.Array(product.ImagePaths), product.ID)
			if isNoRows(err) {
				return fmt.Errorf("%w: %d", models.ErrProductNotFound, product.ID)
			}
			if err != nil {
				return mapProductWriteErr("update product", err)
			}
		}

		if ids := uniqueIDs(product.CategoryIDs); len(ids) > 0 {
			if _, err := tx.ext.ExecContext(ctx, `
				INSERT INTO category_product (category_id, product_id)
				SELECT unnest($1::bigint[]), $2
				ON CONFLICT DO NOTHING`, pq.Array(ids), product.ID); err != nil {
				return mapProductWriteErr("attach categories", err)
			}
		}

		products := []models.Product{*product}
		if err := tx.attachCategories(ctx, products); err != nil {
			return err
		}
		product.Categories = products[0].Categories
		product.CategoryIDs = products[0].CategoryIDs
		return nil
	})
}

func mapProductWriteErr(op string, err error) error {
	switch code, _ := pqErrorCode(err); code {
	case pqUniqueViolation:
		return models.ErrDuplicateSlug
	case pqForeignKeyViolation:
		return fmt.Errorf("%w: unknown category", models.ErrValidation)
	}
	return persistenceErr(op, err)
}

// SoftDeleteProduct hides the product from listings while keeping the row
func (s *Store) SoftDeleteProduct(ctx context.Context, id int64) error {
	ctx, span := util.StartSpan(ctx, "Store.SoftDeleteProduct")
	defer span.End()

	res, err := s.ext.ExecContext(ctx,
		"UPDATE products SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL", id)
	if err != nil {
		return persistenceErr("delete product", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return persistenceErr("delete product", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", models.ErrProductNotFound, id)
	}
	return nil
}

func uniqueIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
