// Package store persists resume handles so a host can reopen a conversation
// after a restart.
package store

import (
	"context"
	"time"

	"github.com/ashureev/supportchat/internal/domain"
)

// Repository defines the interface for persisting resume handles, keyed by
// domain.Identity.Key.
type Repository interface {
	// GetHandle returns the stored handle, or nil when none exists.
	GetHandle(ctx context.Context, identityKey string) (*domain.ResumeHandle, error)

	// SaveHandle creates or replaces the handle for an identity.
	SaveHandle(ctx context.Context, identityKey string, handle domain.ResumeHandle) error

	// DeleteHandle removes the handle for an identity. Missing handles are not an error.
	DeleteHandle(ctx context.Context, identityKey string) error

	// PruneHandles removes handles not updated within ttl.
	PruneHandles(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
