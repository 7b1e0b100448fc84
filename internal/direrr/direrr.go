// Package direrr defines the sentinel error kinds the sync engine
// distinguishes between. Handlers wrap these with fmt.Errorf("...: %w", ...)
// the way the teacher server wraps gorm/chi errors; callers use errors.Is.
package direrr

import "errors"

var (
	// ErrNotFound means a name, zone, or entry is missing.
	ErrNotFound = errors.New("not found")

	// ErrExists means an attempt was made to create an already-live
	// object (e.g. a zone) with non-empty content.
	ErrExists = errors.New("already exists")

	// ErrBadEscape means a master-file escape sequence is malformed.
	ErrBadEscape = errors.New("bad escape sequence")

	// ErrBadOwnerName means a DN's owner is not subordinate to its zone,
	// or equals the zone apex in two-component form.
	ErrBadOwnerName = errors.New("bad owner name")

	// ErrNotImplemented covers heterogeneous-TTL rdatasets, unsupported
	// address families, and multi-valued RDNs.
	ErrNotImplemented = errors.New("not implemented")

	// ErrNoPerm covers invalid credentials and sync_ptr=false refusals.
	ErrNoPerm = errors.New("permission denied")

	// ErrNotConnected means the directory server is down or TGT
	// acquisition failed.
	ErrNotConnected = errors.New("not connected")

	// ErrTimeout means a directory call or pool wait exceeded its
	// deadline.
	ErrTimeout = errors.New("timeout")

	// ErrUnexpectedToken covers invalid forwarder/ACL/PTR-mismatch input.
	ErrUnexpectedToken = errors.New("unexpected token")

	// ErrSingleton means an attempted PTR add conflicts with an existing
	// PTR that points somewhere else.
	ErrSingleton = errors.New("singleton rrset conflict")

	// ErrShutdown is observed when the exiting flag is set; it unwinds
	// cleanly through every blocking wait.
	ErrShutdown = errors.New("shutting down")

	// ErrSoftQuota means a reconnect was attempted before its backoff
	// window elapsed; the caller should retry later.
	ErrSoftQuota = errors.New("reconnect backoff window not elapsed")

	// ErrNotLoaded means the target zone is registered but not yet ready
	// to accept a record update (e.g. still mid-(re)projection).
	ErrNotLoaded = errors.New("zone not loaded")

	// ErrBadZone means the target zone is registered under a kind that
	// cannot accept record updates (e.g. it was just taken over as a
	// forward zone).
	ErrBadZone = errors.New("bad zone")
)
