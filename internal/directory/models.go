package directory

import "time"

// entryModel is the gorm-mapped row for a directory entry: a DN plus a
// change-stream cookie, standing in for the external LDAP directory this
// module syncs against (spec section 2's "directory protocol library" is
// out of scope; this package gives the rest of the module something real
// to search, modify, and long-poll).
type entryModel struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	DN          string `gorm:"uniqueIndex;not null"`
	ObjectClass string `gorm:"not null"` // comma-joined, lower-cased
	UpdatedAt   time.Time
	CreatedAt   time.Time
	// Cookie is a monotonically increasing per-row change token, assigned
	// from the cookieSeq table on every insert/update. The change-stream
	// consumer's persistent-refresh poll uses it to find rows touched
	// since its last checkpoint.
	Cookie uint64 `gorm:"uniqueIndex"`
	// Tombstone marks a logically deleted entry; rows are kept (not
	// hard-deleted) so the change stream can still report the delete to
	// consumers that polled before it happened.
	Tombstone bool `gorm:"not null;default:false"`
}

func (entryModel) TableName() string { return "directory_entries" }

// attrModel is one (attribute, ordered value) row for an entry.
type attrModel struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	EntryID  uint64 `gorm:"not null;index"`
	Name     string `gorm:"not null;index"`
	Value    string `gorm:"not null"`
	Position int    `gorm:"not null"`
}

func (attrModel) TableName() string { return "directory_attrs" }

// cookieSeqModel backs a single-row counter table that hands out the next
// change cookie; sqlite's AUTOINCREMENT only applies to a table's integer
// primary key, so a second monotonic counter needs its own sequence row.
type cookieSeqModel struct {
	ID    uint64 `gorm:"primaryKey"`
	Value uint64 `gorm:"not null"`
}

func (cookieSeqModel) TableName() string { return "directory_cookie_seq" }
