package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersPlacedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_placed_total",
		Help: "Total number of orders committed",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed order placements",
	}, []string{"reason"})

	OrderPlacementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_placement_latency_seconds",
		Help:    "Latency of complete order placements",
		Buckets: prometheus.DefBuckets,
	})

	StockReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_reservations_failed_total",
		Help: "Total number of failed stock reservations",
	}, []string{"reason"})

	StockReleasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_releases_total",
		Help: "Total number of compensating stock releases",
	})

	ListingCacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_cache_requests_total",
		Help: "Product listing cache lookups by result",
	}, []string{"result"})

	ListingCacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listing_cache_invalidations_total",
		Help: "Total number of product listing cache invalidations",
	})

	CatalogMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_mutations_total",
		Help: "Total number of catalog mutations by action",
	}, []string{"action"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
