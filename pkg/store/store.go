// Package store defines the narrow, indexed key/value storage boundary that
// every other CNAPI component is built against (spec §6). The durable store
// is the single coordination point between CNAPI replicas: every mutation of
// a Server, StatusRow, or Ticket goes through an ETag-guarded read-modify-
// write or an atomic multi-key Batch (spec §5).
//
// The original system's storage backend supports LDAP-style filter strings
// over an indexed object store. No library in the example corpus wires an
// LDAP filter parser for this kind of boundary, so FindObjects/DeleteMany/
// Count take a typed Go predicate instead of a filter string — the same
// re-architecture spec.md §9 calls for elsewhere ("dynamic configuration
// bags" -> typed config; here, a free-form filter string -> a typed Go
// closure over the record's stored bytes, which the caller decodes).
package store

import "errors"

// Well-known errors returned by KVStore implementations. Callers use
// errors.Is against these.
var (
	// ErrNotFound is returned when GetObject addresses a missing key.
	ErrNotFound = errors.New("store: object not found")

	// ErrETagConflict is returned when a conditional write's ifMatch etag
	// does not match the object's current etag (or the object does not
	// exist when a non-empty ifMatch was supplied).
	ErrETagConflict = errors.New("store: etag conflict")
)

// OpKind identifies the kind of a BatchOp.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// BatchOp is one write within an atomic Batch. IfMatch, when non-empty,
// guards the write with an optimistic-concurrency precondition against the
// object's current etag.
type BatchOp struct {
	Kind    OpKind
	Bucket  string
	Key     string
	Value   []byte // used when Kind == OpPut
	IfMatch string
}

// Record is one object returned by FindObjects, paired with its etag so
// callers can issue a subsequent conditional write.
type Record struct {
	Key   string
	Value []byte
	ETag  string
}

// Query drives FindObjects: Match selects records (nil matches everything),
// Less orders the matched set ascending (nil leaves order unspecified —
// callers needing determinism without natural key ordering must supply
// one), and Limit/Offset paginate after sorting.
type Query struct {
	Match  func(value []byte) bool
	Less   func(a, b []byte) bool
	Limit  int
	Offset int
}

// KVStore is the storage boundary consumed by pkg/server, pkg/heartbeat,
// pkg/waitlist, and pkg/dispatch. See spec §6 for the bucket catalogue.
type KVStore interface {
	// GetObject fetches a single object and its current etag. Returns
	// ErrNotFound if the key does not exist.
	GetObject(bucket, key string) (value []byte, etag string, err error)

	// PutObject writes value at key. When ifMatch is non-empty, the write
	// only succeeds if the object exists and its current etag equals
	// ifMatch; against a missing key a non-empty ifMatch always fails with
	// ErrETagConflict. An empty ifMatch writes unconditionally, so there is
	// no create-only mode. Returns the new etag on success.
	PutObject(bucket, key string, value []byte, ifMatch string) (etag string, err error)

	// DeleteObject removes key. When ifMatch is non-empty, the delete only
	// succeeds if the object's current etag equals ifMatch.
	DeleteObject(bucket, key string, ifMatch string) error

	// DeleteMany removes every object in bucket matching match (nil
	// matches everything) and returns the count removed.
	DeleteMany(bucket string, match func(value []byte) bool) (int, error)

	// FindObjects returns every object in bucket satisfying q.
	FindObjects(bucket string, q Query) ([]Record, error)

	// Count returns the number of objects in bucket matching match.
	Count(bucket string, match func(value []byte) bool) (int, error)

	// Batch applies every op atomically: either all writes take effect and
	// every non-empty IfMatch precondition held, or none do.
	Batch(ops []BatchOp) error

	// Close releases the underlying storage engine.
	Close() error
}

// Bucket names, per spec §6.
const (
	BucketServers = "cnapi_servers"
	BucketTasks   = "cnapi_tasks"
	BucketTickets = "cnapi_waitlist_tickets"
	BucketStatus  = "cnapi_status"
)
