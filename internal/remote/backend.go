// Package remote talks to the relational store every device syncs against.
package remote

import (
	"context"
	"time"

	"fitsync/internal/resilience"
	"fitsync/internal/schema"
)

// Cursor is the last (updated_at, identity) pair a pull page ended on.
type Cursor struct {
	UpdatedAt time.Time
	ID        string
}

type FetchQuery struct {
	// Since excludes rows with updated_at <= Since. Zero fetches everything.
	Since time.Time
	// After continues a previous page.
	After *Cursor
	Limit int
}

// Backend is the remote side of a sync. Every read is scoped to one user;
// shared catalog tables also return rows that have no owner.
type Backend interface {
	// Fetch returns rows ordered by (updated_at, identity) ascending.
	Fetch(ctx context.Context, table, userID string, q FetchQuery) ([]schema.Record, error)
	FetchAll(ctx context.Context, table, userID string) ([]schema.Record, error)
	// Get returns nil, nil when the row does not exist.
	Get(ctx context.Context, table, userID, id string) (*schema.Record, error)
	// Upsert writes rows one by one. The slice holds one entry per row, nil on
	// success; the error is set when the batch as a whole could not be sent.
	Upsert(ctx context.Context, table string, rows []schema.Row) ([]error, error)
}

// Guarded routes every call through a circuit breaker. Per-row upsert
// failures do not count against the breaker.
type Guarded struct {
	next    Backend
	breaker *resilience.CircuitBreaker
}

func WithBreaker(next Backend, breaker *resilience.CircuitBreaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

func (g *Guarded) Breaker() *resilience.CircuitBreaker { return g.breaker }

func (g *Guarded) Fetch(ctx context.Context, table, userID string, q FetchQuery) ([]schema.Record, error) {
	var out []schema.Record
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.Fetch(ctx, table, userID, q)
		return err
	})
	return out, err
}

func (g *Guarded) FetchAll(ctx context.Context, table, userID string) ([]schema.Record, error) {
	var out []schema.Record
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.FetchAll(ctx, table, userID)
		return err
	})
	return out, err
}

func (g *Guarded) Get(ctx context.Context, table, userID, id string) (*schema.Record, error) {
	var out *schema.Record
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.Get(ctx, table, userID, id)
		return err
	})
	return out, err
}

func (g *Guarded) Upsert(ctx context.Context, table string, rows []schema.Row) ([]error, error) {
	var rowErrs []error
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		rowErrs, err = g.next.Upsert(ctx, table, rows)
		return err
	})
	return rowErrs, err
}
