// Package selector implements product selection with region fallback: given
// a product name and an ordered list of candidate regions, it picks the
// cheapest available match, trying each region in turn until one has a
// usable candidate.
package selector

import (
	"context"
	"fmt"
	"sort"

	"github.com/nimbusforge/gpuorch/internal/errs"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

// ProductLister is the subset of the provider service the selector needs.
type ProductLister interface {
	ListProducts(ctx context.Context, region string) ([]gpuinstance.Product, error)
}

// Selector picks the optimal Product for a requested product name across a
// region fallback list.
type Selector struct {
	products ProductLister
}

// New builds a Selector backed by products.
func New(products ProductLister) *Selector {
	return &Selector{products: products}
}

// regionCandidates builds the deduplicated, ordered list of regions to try:
// preferredRegion first (if set), then regionPriorityList in order, with
// duplicates dropped.
func regionCandidates(preferredRegion string, regionPriorityList []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(r string) {
		if r == "" || seen[r] {
			return
		}
		seen[r] = true
		out = append(out, r)
	}
	add(preferredRegion)
	for _, r := range regionPriorityList {
		add(r)
	}
	return out
}

// SelectWithFallback returns the cheapest available/limited Product named
// productName in the first candidate region that has one, trying regions in
// order. If regionPriorityList (and preferredRegion) are both empty, it
// searches the full unfiltered catalog once.
func (sel *Selector) SelectWithFallback(ctx context.Context, productName, preferredRegion string, regionPriorityList []string) (gpuinstance.Product, error) {
	regions := regionCandidates(preferredRegion, regionPriorityList)

	if len(regions) == 0 {
		all, err := sel.products.ListProducts(ctx, "")
		if err != nil {
			return gpuinstance.Product{}, err
		}
		best, ok := bestMatch(all, productName, "")
		if !ok {
			return gpuinstance.Product{}, errs.New(errs.KindNoOptimalProduct,
				fmt.Sprintf("no available product named %q in any region", productName), nil)
		}
		return best, nil
	}

	for _, region := range regions {
		candidates, err := sel.products.ListProducts(ctx, region)
		if err != nil {
			return gpuinstance.Product{}, err
		}
		if best, ok := bestMatch(candidates, productName, region); ok {
			return best, nil
		}
	}
	return gpuinstance.Product{}, errs.New(errs.KindNoOptimalProduct,
		fmt.Sprintf("no available product named %q in any of %d candidate regions", productName, len(regions)), nil)
}

// bestMatch filters products by name (and region, if non-empty) and
// availability in {available, limited}, then sorts ascending by spot price,
// tie-broken by on-demand price, then lexicographically by id.
func bestMatch(products []gpuinstance.Product, productName, region string) (gpuinstance.Product, bool) {
	var matches []gpuinstance.Product
	for _, p := range products {
		if p.Name != productName {
			continue
		}
		if region != "" && p.Region != region {
			continue
		}
		if p.Availability != "available" && p.Availability != "limited" {
			continue
		}
		matches = append(matches, p)
	}
	if len(matches) == 0 {
		return gpuinstance.Product{}, false
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].SpotPrice != matches[j].SpotPrice {
			return matches[i].SpotPrice < matches[j].SpotPrice
		}
		if matches[i].OnDemandPrice != matches[j].OnDemandPrice {
			return matches[i].OnDemandPrice < matches[j].OnDemandPrice
		}
		return matches[i].ID < matches[j].ID
	})
	return matches[0], true
}
