package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/txn2/steptracker/pkg/cache"
	"github.com/txn2/steptracker/pkg/docstore"
)

// DayTotal is one archived day.
type DayTotal struct {
	Date  string `json:"date"`
	Steps int    `json:"steps"`
}

// History returns a user's archived days between from and to inclusive,
// oldest first. Dates use DateLayout; an empty bound is open.
func History(ctx context.Context, store docstore.Store, userID, from, to string) ([]DayTotal, error) {
	prefix := HistoryPrefix(userID)
	docs, err := store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing history for %s: %w", userID, err)
	}

	days := make([]DayTotal, 0, len(docs))
	for _, doc := range docs {
		day := strings.TrimPrefix(doc.Path, prefix)
		if strings.Contains(day, "/") {
			continue
		}
		if (from != "" && day < from) || (to != "" && day > to) {
			continue
		}
		n, _ := docstore.Int(doc.Data, fieldSteps)
		days = append(days, DayTotal{Date: day, Steps: n})
	}
	return days, nil
}

// PurgeCache removes every cached key of userID and returns how many were
// removed.
func PurgeCache(ctx context.Context, c cache.Store, userID string) (int, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing cache keys: %w", err)
	}
	prefix := CacheKeyPrefix(userID)
	var doomed []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			doomed = append(doomed, k)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	if err := c.Remove(ctx, doomed...); err != nil {
		return 0, fmt.Errorf("removing cache keys: %w", err)
	}
	return len(doomed), nil
}
