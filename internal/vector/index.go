// Package vector provides id-addressed vector indexes and the Manager that maps index slots to records.
package vector

import (
	"context"
	"fmt"
	"strings"
)

// VectorIndex stores fixed-dimension vectors under caller-assigned int64 ids.
// Removal is addressed by id; ids of surviving vectors never change.
type VectorIndex interface {
	Add(ctx context.Context, ids []int64, vectors [][]float32) error
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)
	Remove(ctx context.Context, ids []int64) (int, error)
	Reconstruct(id int64) ([]float32, bool)
	IDs() []int64
	Save(path string) error
	Load(path string) error
	Size() int
	Dimensions() int
	Metric() Metric
	Type() string
	Close() error
}

// VectorResult is a single vector search hit.
type VectorResult struct {
	ID int64
	// Distance is the Euclidean distance for MetricL2 and the inner product for MetricInnerProduct.
	Distance float64
	// Similarity is Distance mapped into [0,1], higher is closer.
	Similarity float64
}

// Metric is the distance function an index ranks by.
type Metric string

const (
	MetricL2           Metric = "l2"
	MetricInnerProduct Metric = "ip"
)

// ParseMetric accepts "l2"/"euclidean" and "ip"/"inner_product"/"cosine". Empty means MetricL2.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "l2", "euclidean":
		return MetricL2, nil
	case "ip", "inner_product", "cosine":
		return MetricInnerProduct, nil
	}
	return "", fmt.Errorf("unknown metric: %s (supported: l2, ip)", s)
}

// Similarity maps a native index distance into [0,1]: 1/(1+d) for L2, the clamped inner product otherwise.
func Similarity(metric Metric, distance float64) float64 {
	if metric == MetricInnerProduct {
		if distance < 0 {
			return 0
		}
		if distance > 1 {
			return 1
		}
		return distance
	}
	if distance < 0 {
		distance = 0
	}
	return 1 / (1 + distance)
}
