package store

import "errors"

// Namespace identifies which slice of a platform's cache a key lives in.
type Namespace string

// Cache namespaces. Listing pages are keyed by request offset, details by
// game id. Updates is platform-independent and holds recent-changes pages.
const (
	Listing Namespace = "listing"
	Detail  Namespace = "detail"
	Updates Namespace = "updates"
)

// Global is the platform id used with the Updates namespace and other
// platform-independent slots.
const Global int64 = 0

var (
	// ErrNotFound is returned by Get when the slot has never been written.
	ErrNotFound = errors.New("cache entry not found")
	// ErrCorrupt is returned by Get when the slot exists but can't be
	// decoded. Callers treat it as a miss and overwrite.
	ErrCorrupt = errors.New("cache entry corrupt")
)

// Store is durable key-value storage for cached API responses. Keys sort
// numerically: offsets for listing pages, game ids for details.
type Store interface {
	// Put durably writes value as JSON to (platformID, ns, key), creating
	// any needed structure.
	Put(platformID int64, ns Namespace, key int64, value any) error
	// Get decodes the slot into out. Returns ErrNotFound or ErrCorrupt.
	Get(platformID int64, ns Namespace, key int64, out any) error
	// Keys lists the populated keys in numeric ascending order.
	Keys(platformID int64, ns Namespace) ([]int64, error)
	// Delete removes a single slot, a no-op if absent.
	Delete(platformID int64, ns Namespace, key int64) error
	// DeleteAll removes every namespace and the status blob for a platform.
	DeleteAll(platformID int64) error

	// PutBlob and GetBlob persist named singletons outside the keyed
	// namespaces: per-platform status, the global update status, the
	// platforms list.
	PutBlob(name string, value any) error
	GetBlob(name string, out any) error
}
