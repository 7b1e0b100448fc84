// Package directory is the sqlite-backed stand-in for the external LDAP
// directory this module syncs against (out of scope per spec section 2:
// "directory protocol library"). It gives the rest of the module a real
// place to search, modify, and long-poll entries, persisted with
// gorm.io/gorm and migrated with goose the same way the teacher's
// persistence layer does.
package directory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/ldapdns/zonesync/internal/direrr"
	"github.com/ldapdns/zonesync/internal/entry"
	"github.com/pressly/goose/v3"
	"gorm.io/gorm"
)

// Store is the directory's entry table plus change-cookie bookkeeping.
type Store struct {
	db *gorm.DB
}

// Open opens (migrating if needed) the sqlite database at dbPath using
// the goose migrations under migrationsDir.
func Open(dbPath, migrationsDir string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("directory: open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("directory: open sql db: %w", err)
	}
	if err := runMigrations(sqlDB, migrationsDir); err != nil {
		return nil, fmt.Errorf("directory: run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB, migrationsDir string) error {
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, migrationsDir)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ChangeType mirrors the persistent-refresh callback kinds the change
// stream consumer reacts to.
type ChangeType int

const (
	ChangeAdd ChangeType = iota
	ChangeModify
	ChangePresent // entry already existed at refresh time, unchanged
	ChangeDelete
)

// ChangeEvent is one row the change-stream consumer's poll surfaces.
type ChangeEvent struct {
	Cookie uint64
	Type   ChangeType
	DN     string
	Entry  *entry.Entry // nil for ChangeDelete, since the attrs/classes are gone by then
}

// Add inserts a brand-new entry. Adding a DN that already exists (and is
// not tombstoned) fails with direrr.ErrExists.
func (s *Store) Add(ctx context.Context, e *entry.Entry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing entryModel
		err := tx.Where("dn = ? AND tombstone = ?", canonicalDN(e.DN), false).First(&existing).Error
		if err == nil {
			return direrr.ErrExists
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}
		// The dn index is unique, so a tombstoned row for the same DN is
		// removed (with its attributes) before the new row takes its place.
		var dead entryModel
		err = tx.Where("dn = ? AND tombstone = ?", canonicalDN(e.DN), true).First(&dead).Error
		if err == nil {
			if err := tx.Where("entry_id = ?", dead.ID).Delete(&attrModel{}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&entryModel{}, dead.ID).Error; err != nil {
				return err
			}
		} else if err != gorm.ErrRecordNotFound {
			return err
		}

		cookie, err := nextCookie(tx)
		if err != nil {
			return err
		}
		row := entryModel{DN: canonicalDN(e.DN), ObjectClass: classString(e.Classes), Cookie: cookie}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return insertAttrs(tx, row.ID, e)
	})
}

// Modify replaces the attribute set of an existing entry (the directory
// protocol's semantics for this module are "replace the whole attribute
// list", since that is all the projector and record updater ever need).
func (s *Store) Modify(ctx context.Context, dn string, attrs map[string][]string, classes entry.Class) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row entryModel
		err := tx.Where("dn = ? AND tombstone = ?", canonicalDN(dn), false).First(&row).Error
		if err == gorm.ErrRecordNotFound {
			return direrr.ErrNotFound
		}
		if err != nil {
			return err
		}

		if err := tx.Where("entry_id = ?", row.ID).Delete(&attrModel{}).Error; err != nil {
			return err
		}
		cookie, err := nextCookie(tx)
		if err != nil {
			return err
		}
		if err := tx.Model(&entryModel{}).Where("id = ?", row.ID).
			Updates(map[string]any{"object_class": classString(classes), "cookie": cookie, "updated_at": time.Now()}).Error; err != nil {
			return err
		}
		return insertAttrs(tx, row.ID, entry.New(dn, classes, attrs))
	})
}

// Delete tombstones an entry rather than removing the row, so a consumer
// that is mid-poll still observes the delete event.
func (s *Store) Delete(ctx context.Context, dn string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cookie, err := nextCookie(tx)
		if err != nil {
			return err
		}
		res := tx.Model(&entryModel{}).
			Where("dn = ? AND tombstone = ?", canonicalDN(dn), false).
			Updates(map[string]any{"tombstone": true, "cookie": cookie, "updated_at": time.Now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return direrr.ErrNotFound
		}
		return nil
	})
}

// nextCookie atomically increments and returns the shared cookie counter
// within tx, creating the single counter row on first use.
func nextCookie(tx *gorm.DB) (uint64, error) {
	var seq cookieSeqModel
	err := tx.Where("id = ?", 1).First(&seq).Error
	if err == gorm.ErrRecordNotFound {
		seq = cookieSeqModel{ID: 1, Value: 1}
		if err := tx.Create(&seq).Error; err != nil {
			return 0, err
		}
		return seq.Value, nil
	}
	if err != nil {
		return 0, err
	}
	seq.Value++
	if err := tx.Model(&cookieSeqModel{}).Where("id = ?", 1).Update("value", seq.Value).Error; err != nil {
		return 0, err
	}
	return seq.Value, nil
}

// Get returns the current entry at dn.
func (s *Store) Get(ctx context.Context, dn string) (*entry.Entry, error) {
	var row entryModel
	err := s.db.WithContext(ctx).Where("dn = ? AND tombstone = ?", canonicalDN(dn), false).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, direrr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.loadEntry(ctx, row)
}

// SearchSubtree returns every live entry whose DN is dn itself or a
// descendant of it (a ","-suffix match), the shape of search the change
// stream consumer and the operator API both need.
func (s *Store) SearchSubtree(ctx context.Context, baseDN string) ([]*entry.Entry, error) {
	base := canonicalDN(baseDN)
	var rows []entryModel
	err := s.db.WithContext(ctx).
		Where("tombstone = ? AND (dn = ? OR dn LIKE ?)", false, base, "%,"+base).
		Order("dn").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*entry.Entry, 0, len(rows))
	for _, row := range rows {
		e, err := s.loadEntry(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// PollSince returns one event per entry row touched strictly after
// sinceCookie (add/modify/delete, in cookie order), up to limit rows. Each
// event carries the row's latest cookie and current state, so a row changed
// several times since sinceCookie is reported once. The change
// stream consumer calls this in a loop, advancing sinceCookie to the last
// cookie it observed, which is this module's stand-in for a persistent
// directory search's refresh + changelog cookie.
func (s *Store) PollSince(ctx context.Context, sinceCookie uint64, limit int) ([]ChangeEvent, error) {
	var rows []entryModel
	q := s.db.WithContext(ctx).Where("cookie > ?", sinceCookie).Order("cookie")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]ChangeEvent, 0, len(rows))
	for _, row := range rows {
		if row.Tombstone {
			out = append(out, ChangeEvent{Cookie: row.Cookie, Type: ChangeDelete, DN: row.DN})
			continue
		}
		e, err := s.loadEntry(ctx, row)
		if err != nil {
			return nil, err
		}
		changeType := ChangeModify
		if row.CreatedAt.Equal(row.UpdatedAt) {
			changeType = ChangeAdd
		}
		out = append(out, ChangeEvent{Cookie: row.Cookie, Type: changeType, DN: row.DN, Entry: e})
	}
	return out, nil
}

// MaxCookie returns the highest cookie currently recorded, the starting
// checkpoint for a consumer beginning a fresh refresh.
func (s *Store) MaxCookie(ctx context.Context) (uint64, error) {
	var max uint64
	row := s.db.WithContext(ctx).Model(&entryModel{}).Select("COALESCE(MAX(cookie), 0)").Row()
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	return max, nil
}

func (s *Store) loadEntry(ctx context.Context, row entryModel) (*entry.Entry, error) {
	var attrRows []attrModel
	if err := s.db.WithContext(ctx).Where("entry_id = ?", row.ID).Order("name, position").Find(&attrRows).Error; err != nil {
		return nil, err
	}
	grouped := make(map[string][]string)
	names := make([]string, 0)
	seen := make(map[string]bool)
	for _, ar := range attrRows {
		if !seen[ar.Name] {
			seen[ar.Name] = true
			names = append(names, ar.Name)
		}
		grouped[ar.Name] = append(grouped[ar.Name], ar.Value)
	}
	sort.Strings(names)

	classes := classFromString(row.ObjectClass)
	e := entry.New(row.DN, classes, nil)
	for _, name := range names {
		e.Set(name, grouped[name])
	}
	return e, nil
}

func insertAttrs(tx *gorm.DB, entryID uint64, e *entry.Entry) error {
	for _, rrAttr := range attrNames(e) {
		values := e.Attr(rrAttr)
		for i, v := range values {
			if err := tx.Create(&attrModel{EntryID: entryID, Name: rrAttr, Value: v, Position: i}).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

// attrNames lists the attribute names of e that the store persists: every
// RR-type attribute (RRAttrs) plus those of the fixed well-known idns*/dnsTTL
// set below that e carries. Any other attribute on e is not stored.
func attrNames(e *entry.Entry) []string {
	var out []string
	for _, rrAttr := range e.RRAttrs() {
		out = append(out, rrAttr.Attr)
	}
	for _, wellKnown := range []string{
		"idnsName", "idnsSOAmName", "idnsSOArName", "idnsSOAserial", "idnsSOArefresh",
		"idnsSOAretry", "idnsSOAexpire", "idnsSOAminimum", "idnsZoneActive", "dnsTTL",
		"idnsForwardPolicy", "idnsForwarders", "idnsUpdatePolicy", "idnsAllowSyncPTR",
		"idnsAllowDynUpdate", "idnsAllowQuery", "idnsAllowTransfer", "idnsSecureDNSSKey",
	} {
		if e.HasAttr(wellKnown) {
			out = append(out, wellKnown)
		}
	}
	return dedupe(out)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func canonicalDN(dn string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.TrimSpace(dn)), " "))
}

func classString(c entry.Class) string {
	var parts []string
	if c.Has(entry.ClassConfig) {
		parts = append(parts, "idnsconfigobject")
	}
	if c.Has(entry.ClassMasterZone) {
		parts = append(parts, "idnszone")
	}
	if c.Has(entry.ClassForwardZone) {
		parts = append(parts, "idnsforwardzone")
	}
	if c.Has(entry.ClassRecord) {
		parts = append(parts, "idnsrecord")
	}
	return strings.Join(parts, ",")
}

func classFromString(s string) entry.Class {
	if s == "" {
		return 0
	}
	return entry.ClassFromObjectClasses(strings.Split(s, ","))
}
