package automator

import "context"

// Store is the persistence interface for run reports.
type Store interface {
	Get(ctx context.Context, id string) (*Run, bool, error)
	// List returns up to limit runs, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]*Run, error)
	Put(ctx context.Context, run *Run) error
}
