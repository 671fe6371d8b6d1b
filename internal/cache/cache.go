// Package cache holds the product listing cache. Listings are cached per
// filter, page size and page number, and every catalog or stock mutation
// invalidates the whole listing namespace.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"catalog-orders/internal/models"
)

// DefaultTTL bounds how long a listing may be served without recomputation
const DefaultTTL = 10 * time.Minute

// ComputeFunc produces the listing on a cache miss
type ComputeFunc func(ctx context.Context) (*models.ProductPage, error)

// ListingCache caches product listings.
//
// GetOrCompute does not deduplicate concurrent misses for the same key; each
// caller may run compute. InvalidateAll guarantees that no listing computed
// before the call returns is served afterwards.
type ListingCache interface {
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) (*models.ProductPage, error)
	InvalidateAll(ctx context.Context) error
}

// ListingKey derives the cache key for one page of a filtered listing.
// Filters that select the same products map to the same key.
func ListingKey(filter models.ProductFilter, perPage, page int) string {
	canonical := struct {
		CategoryIDs  []int64 `json:"category_ids,omitempty"`
		CategoryName string  `json:"category_name,omitempty"`
	}{
		CategoryIDs:  canonicalIDs(filter.CategoryIDs),
		CategoryName: strings.ToLower(strings.TrimSpace(filter.CategoryName)),
	}

	raw, _ := json.Marshal(canonical)
	sum := md5.Sum(raw)
	return fmt.Sprintf("products:filters:%s:perPage:%d:page:%d", hex.EncodeToString(sum[:]), perPage, page)
}

func canonicalIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}
