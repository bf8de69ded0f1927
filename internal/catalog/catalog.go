// Package catalog maintains the overview of known mailing lists: per-list
// activity counts and whether a list carries private mail. It refreshes in
// the background so API requests never pay for a full aggregation.
package catalog

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.io/infrasutra/mailarchive/internal/index"
)

// ListInfo summarizes one mailing list.
type ListInfo struct {
	ListRaw string `json:"list_raw"`
	Count   int64  `json:"count"`
	Private bool   `json:"private"`
}

// Store is the slice of the index the catalog reads.
type Store interface {
	TermsAggregation(ctx context.Context, query index.Clause, field string, size int) ([]index.Bucket, error)
}

// Catalog caches the list overview and refreshes it periodically.
type Catalog struct {
	store    Store
	logger   *slog.Logger
	interval time.Duration

	mu    sync.RWMutex
	lists map[string]ListInfo
}

const aggregationSize = 10000

// New creates a catalog refreshing at the given interval.
func New(store Store, logger *slog.Logger, interval time.Duration) *Catalog {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Catalog{
		store:    store,
		logger:   logger,
		interval: interval,
		lists:    make(map[string]ListInfo),
	}
}

// Run refreshes the catalog until ctx is canceled. Transient store errors
// only log; the previous snapshot stays served.
func (c *Catalog) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("initial list catalog refresh failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("list catalog refresh failed", "error", err)
			}
		}
	}
}

// Refresh rebuilds the snapshot from two aggregations: all undeleted mail
// by list, and the private subset.
func (c *Catalog) Refresh(ctx context.Context) error {
	notDeleted := index.Term{Field: "deleted", Value: false}
	all, err := c.store.TermsAggregation(ctx, notDeleted, "list_raw", aggregationSize)
	if err != nil {
		return err
	}
	private, err := c.store.TermsAggregation(ctx, index.Bool{Must: []index.Clause{
		notDeleted,
		index.Term{Field: "private", Value: true},
	}}, "list_raw", aggregationSize)
	if err != nil {
		return err
	}

	privateSet := make(map[string]bool, len(private))
	for _, b := range private {
		privateSet[b.Key] = true
	}
	lists := make(map[string]ListInfo, len(all))
	for _, b := range all {
		lists[b.Key] = ListInfo{ListRaw: b.Key, Count: b.Count, Private: privateSet[b.Key]}
	}

	c.mu.Lock()
	c.lists = lists
	c.mu.Unlock()
	c.logger.Debug("list catalog refreshed", "lists", len(lists))
	return nil
}

// Lists returns the current snapshot sorted by list id, filtered to what
// the caller may see via canAccessPrivate.
func (c *Catalog) Lists(canAccessPrivate func(listRaw string) bool) []ListInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ListInfo, 0, len(c.lists))
	for _, info := range c.lists {
		if info.Private && (canAccessPrivate == nil || !canAccessPrivate(info.ListRaw)) {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListRaw < out[j].ListRaw })
	return out
}

// Lookup returns one list's info.
func (c *Catalog) Lookup(listRaw string) (ListInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.lists[listRaw]
	return info, ok
}
