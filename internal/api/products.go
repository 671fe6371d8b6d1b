package api

import (
	"net/http"
	"strconv"
	"strings"

	"catalog-orders/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type productRequest struct {
	Name          string          `json:"name" binding:"required"`
	Slug          string          `json:"slug" binding:"required"`
	Description   string          `json:"description"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity"`
	IsActive      *bool           `json:"is_active"`
	CategoryIDs   []int64         `json:"category_ids"`
	ImagePaths    []string        `json:"image_paths"`
}

func (r *productRequest) product(id int64) *models.Product {
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}
	return &models.Product{
		ID:            id,
		Name:          r.Name,
		Slug:          r.Slug,
		Description:   r.Description,
		Price:         r.Price,
		StockQuantity: r.StockQuantity,
		IsActive:      active,
		CategoryIDs:   r.CategoryIDs,
		ImagePaths:    r.ImagePaths,
	}
}

// listProducts serves the filtered, paginated product listing
func (h *Handler) listProducts(c *gin.Context) {
	filter := models.ProductFilter{CategoryName: c.Query("category_name")}

	if raw := c.Query("category_ids"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil || id <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid category_ids"})
				return
			}
			filter.CategoryIDs = append(filter.CategoryIDs, id)
		}
	}

	page, ok := queryInt(c, "page")
	if !ok {
		return
	}
	perPage, ok := queryInt(c, "per_page")
	if !ok {
		return
	}

	result, err := h.catalogService.ListProducts(c.Request.Context(), filter, page, perPage)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// getProduct handles get product by ID
func (h *Handler) getProduct(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	product, err := h.catalogService.GetProduct(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, product)
}

func (h *Handler) createProduct(c *gin.Context) {
	var req productRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	product := req.product(0)
	if err := h.catalogService.UpsertProduct(c.Request.Context(), product); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, product)
}

func (h *Handler) updateProduct(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req productRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	product := req.product(id)
	if err := h.catalogService.UpsertProduct(c.Request.Context(), product); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, product)
}

func (h *Handler) deleteProduct(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	if err := h.catalogService.SoftDeleteProduct(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type stockRequest struct {
	Quantity int `json:"quantity" binding:"required,min=1"`
}

func bindStock(c *gin.Context) (int64, int, bool) {
	id, ok := pathID(c)
	if !ok {
		return 0, 0, false
	}

	var req stockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return 0, 0, false
	}
	return id, req.Quantity, true
}

// reserveStock takes units out of stock outside of an order, e.g. for
// damaged goods
func (h *Handler) reserveStock(c *gin.Context) {
	id, quantity, ok := bindStock(c)
	if !ok {
		return
	}

	product, err := h.catalogService.ReserveStock(c.Request.Context(), id, quantity)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, product)
}

// releaseStock puts units back into stock, e.g. for returns
func (h *Handler) releaseStock(c *gin.Context) {
	id, quantity, ok := bindStock(c)
	if !ok {
		return
	}

	if err := h.catalogService.ReleaseStock(c.Request.Context(), id, quantity); err != nil {
		writeError(c, err)
		return
	}

	product, err := h.catalogService.GetProduct(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, product)
}

// queryInt reads an optional integer query parameter; zero means unset
func queryInt(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return n, true
}
