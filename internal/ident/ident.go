// Package ident allocates canonical organization IDs.
package ident

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recovery-directory/internal/model"
)

// SequenceWidth is the zero-padded width of the numeric part of an ID.
const SequenceWidth = 6

// Sequencer hands out the next value of a persisted per-category counter.
// Values are strictly increasing and never handed out twice.
type Sequencer interface {
	NextSequence(ctx context.Context, category model.Category) (int64, error)
}

// Allocator formats IDs from a Sequencer. Allocation is serialized within the
// process; the Sequencer serializes across processes.
type Allocator struct {
	mu  sync.Mutex
	seq Sequencer
}

// NewAllocator creates an Allocator over seq.
func NewAllocator(seq Sequencer) *Allocator {
	return &Allocator{seq: seq}
}

// Allocate issues the next canonical ID for category.
func (a *Allocator) Allocate(ctx context.Context, category model.Category) (string, error) {
	if !category.Valid() {
		return "", eris.Errorf("ident: unknown category %q", category)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.seq.NextSequence(ctx, category)
	if err != nil {
		return "", eris.Wrapf(err, "ident: next sequence for %s", category)
	}
	return Format(category, n), nil
}

// Format renders a canonical ID, e.g. RR_000042.
func Format(category model.Category, n int64) string {
	return fmt.Sprintf("%s_%0*d", category.Prefix(), SequenceWidth, n)
}

// Parse splits a canonical ID into its category and sequence number.
func Parse(id string) (model.Category, int64, error) {
	cat, ok := model.CategoryForID(id)
	if !ok {
		return "", 0, eris.Errorf("ident: malformed id %q", id)
	}
	_, num, _ := strings.Cut(id, "_")
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n <= 0 {
		return "", 0, eris.Errorf("ident: malformed id %q", id)
	}
	return cat, n, nil
}
