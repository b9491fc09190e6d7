package services

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"foodbridge/core/internal/config"
	"foodbridge/core/internal/db"
	"foodbridge/core/internal/errs"
	"foodbridge/core/internal/store"
)

// Page requests one page of a read path. Cursor is the opaque value returned
// alongside the previous page; empty means the first page.
type Page struct {
	Limit  int
	Cursor string
}

// ClampLimit maps non-positive limits to def and caps anything above maxLimit.
func ClampLimit(limit, def, maxLimit int) int {
	if limit <= 0 {
		return def
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// EncodeCursor encodes the last item of a page as "<unixnano>_<id>".
func EncodeCursor(createdAt time.Time, id string) string {
	return fmt.Sprintf("%d_%s", createdAt.UnixNano(), id)
}

// DecodeCursor parses a cursor produced by EncodeCursor. An empty cursor is nil.
func DecodeCursor(cursor string) (*store.Cursor, error) {
	if cursor == "" {
		return nil, nil
	}
	ts, id, ok := strings.Cut(cursor, "_")
	if !ok || id == "" {
		return nil, errs.Validation([]string{"Invalid cursor"})
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, errs.Validation([]string{"Invalid cursor"})
	}
	return &store.Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// storeQuery resolves a Page against the configured limits.
func storeQuery(cfg *config.Config, p Page) (store.Query, error) {
	after, err := DecodeCursor(p.Cursor)
	if err != nil {
		return store.Query{}, err
	}
	return store.Query{
		Limit: ClampLimit(p.Limit, cfg.DefaultPageLimit, cfg.MaxPageLimit),
		After: after,
	}, nil
}

// nextCursor returns the cursor for the page after items, or "" when items was
// the last (short) page.
func nextCursor[T any](items []T, limit int, key func(T) (time.Time, string)) string {
	if limit <= 0 || len(items) < limit {
		return ""
	}
	createdAt, id := key(items[len(items)-1])
	return EncodeCursor(createdAt, id)
}

// read retries transient store failures on read paths only.
func read(cfg *config.Config, op db.Operation) error {
	return db.WithRetries(op, cfg.ReadRetries, errs.IsTransient)
}
