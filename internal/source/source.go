// Package source reads deviations and their status history from the system
// of record.
package source

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"deviationsync/internal/domain"
)

type Feed interface {
	Records(ctx context.Context) ([]domain.ParentRecord, error)
	History(ctx context.Context, recordID int64) ([]domain.StatusHistoryEntry, error)
}

// FetchHistory loads the history of every id with at most limit lookups in
// flight. The first failure cancels the rest.
func FetchHistory(ctx context.Context, feed Feed, ids []int64, limit int) (map[int64][]domain.StatusHistoryEntry, error) {
	if limit < 1 {
		limit = 1
	}
	var (
		mu  sync.Mutex
		out = make(map[int64][]domain.StatusHistoryEntry, len(ids))
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			h, err := feed.History(ctx, id)
			if err != nil {
				return fmt.Errorf("history of record %d: %w", id, err)
			}
			mu.Lock()
			out[id] = h
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

var titleCaser = cases.Title(language.Und)

// normalizeContact title-cases the name and lower-cases the email.
func normalizeContact(name, email string) domain.Contact {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if !domain.IsUnknown(name) {
		name = titleCaser.String(strings.ToLower(name))
	}
	if !domain.IsUnknown(email) {
		email = strings.ToLower(email)
	}
	return domain.Contact{Name: name, Email: email}
}
