// Package vault implements papyrus's encrypted record store.
//
// A store is a single file holding the AES-CFB encrypted JSON document of
// every record. The record list is the only persisted state; lookup indices
// by record id, group id and group name are rebuilt on open and maintained
// across every mutation. Each mutation rewrites the whole file atomically.
package vault

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/papyrus-vault/papyrus/pkg/audit"
	"github.com/papyrus-vault/papyrus/pkg/crypto"
)

// Constants
const (
	DefaultFileName = "records.dat"
	FileMode        = 0600 // Owner read/write only
	DirMode         = 0700 // Owner read/write/execute only

	LockSuffix     = ".lock"
	AttemptsSuffix = ".attempts"
	AuditSuffix    = ".audit"
)

// Errors
var (
	ErrCorrupt            = errors.New("vault: store file is corrupt")
	ErrInvalidPassphrase  = errors.New("vault: invalid passphrase")
	ErrNotFound           = errors.New("vault: record not found")
	ErrDuplicateItem      = errors.New("vault: item already exists in group")
	ErrInvalidName        = errors.New("vault: invalid name")
	ErrValueTooLarge      = errors.New("vault: value too large")
	ErrNoteTooLarge       = errors.New("vault: note too large")
	ErrLocked             = errors.New("vault: store is in use by another process")
	ErrClosed             = errors.New("vault: store is closed")
	ErrUninitialized      = errors.New("vault: session is not initialized")
	ErrAlreadyInitialized = errors.New("vault: session is already initialized")
	ErrCooldownActive     = errors.New("vault: cooldown period active")
	ErrTooManyAttempts    = errors.New("vault: too many failed open attempts")
	ErrInsufficientDisk   = errors.New("vault: insufficient disk space")
)

// Store is an open record store. It is not safe for concurrent use.
type Store struct {
	path        string
	key         []byte
	fingerprint []byte
	nextID      uint64
	nextGID     GroupID
	records     []*Record
	idx         *index

	lock   *fileLock
	closed bool

	now         func() time.Time
	write       func(path string, data []byte) error
	audit       *audit.Logger
	auditSource string
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source for record timestamps and cooldowns.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithAudit attaches an audit logger. Events are attributed to source.
func WithAudit(logger *audit.Logger, source string) Option {
	return func(s *Store) {
		s.audit = logger
		s.auditSource = source
	}
}

// AuditPath returns the default audit directory for the store at path.
func AuditPath(path string) string {
	return path + AuditSuffix
}

// Open unlocks the store at path with passphrase.
//
// A missing or empty file yields an empty store; nothing is written until
// the first mutation. The file stays locked against other processes until
// Close.
func Open(path, passphrase string, opts ...Option) (*Store, error) {
	s := &Store{
		path:  path,
		now:   time.Now,
		write: writeFileAtomic,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return nil, fmt.Errorf("vault: failed to create directory: %w", err)
	}

	lock, err := acquireLock(path + LockSuffix)
	if err != nil {
		return nil, err
	}

	if err := s.load(passphrase); err != nil {
		if releaseErr := lock.release(); releaseErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to release store lock: %v\n", releaseErr)
		}
		if s.key != nil {
			crypto.SecureWipe(s.key)
			s.key = nil
		}
		return nil, err
	}
	s.lock = lock

	checkAndWarnPermissions(path)

	if s.audit != nil {
		if err := s.audit.SetHMACKey(s.key); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to initialize audit logger: %v\n", err)
			s.audit = nil
		} else {
			s.logSuccess(audit.OpStoreOpen, "", map[string]any{"records": len(s.records)})
		}
	}

	return s, nil
}

// load derives the key and reads the store file under the held lock.
func (s *Store) load(passphrase string) error {
	if remaining, err := checkCooldown(s.path, s.now()); err != nil {
		if errors.Is(err, ErrCooldownActive) {
			return fmt.Errorf("%w: please wait %v", ErrCooldownActive, remaining.Round(time.Second))
		}
		return err
	}

	s.key = crypto.DeriveKey([]byte(passphrase))

	blob, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("vault: failed to read store: %w", err)
	}
	if len(blob) == 0 {
		s.fingerprint = append([]byte(nil), s.key...)
		s.idx = newIndex()
		return nil
	}

	plaintext, err := crypto.Decrypt(s.key, blob)
	if err != nil {
		return fmt.Errorf("vault: failed to decrypt store: %w", err)
	}
	defer crypto.SecureWipe(plaintext)

	doc, err := decodeDocument(plaintext)
	if err == nil && subtle.ConstantTimeCompare(doc.fingerprint, s.key) != 1 {
		err = ErrInvalidPassphrase
	}
	if err != nil {
		cooldown, recordErr := recordFailedAttempt(s.path, s.now())
		if recordErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to record open attempt: %v\n", recordErr)
		}
		if cooldown > 0 {
			return fmt.Errorf("%w (%w): cooldown activated for %v", err, ErrTooManyAttempts, cooldown.Round(time.Second))
		}
		return err
	}

	idx, err := buildIndex(doc.records)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if err := doc.checkCounters(); err != nil {
		return err
	}

	if err := clearAttempts(s.path); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to clear open attempts: %v\n", err)
	}

	s.fingerprint = doc.fingerprint
	s.nextID = doc.currentID
	s.nextGID = doc.currentGID
	s.records = doc.records
	s.idx = idx
	return nil
}

// Close releases the file lock and wipes the key. Mutations on a closed
// store return ErrClosed; lookups keep working on the last state.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	crypto.SecureWipe(s.key)
	s.key = nil

	if s.lock != nil {
		if err := s.lock.release(); err != nil {
			return fmt.Errorf("vault: failed to release lock: %w", err)
		}
		s.lock = nil
	}
	return nil
}

// Path returns the store file path
func (s *Store) Path() string {
	return s.path
}

// AuditLogger returns the attached audit logger, or nil.
func (s *Store) AuditLogger() *audit.Logger {
	return s.audit
}

// Add stores a new record. A reserved group name sends the record to
// InvalidGroupName instead of failing.
func (s *Store) Add(group, item, value string, note *string) (Record, error) {
	if s.closed {
		return Record{}, ErrClosed
	}

	group, item = NormalizeName(group), NormalizeName(item)
	if err := validateName(group); err != nil {
		return Record{}, err
	}
	if err := validateName(item); err != nil {
		return Record{}, err
	}
	if err := validateValue(value, note); err != nil {
		return Record{}, err
	}

	key := groupKey{name: group}
	if IsReservedGroupName(group) {
		key = groupKey{name: InvalidGroupName, quarantined: true}
	}
	if _, ok := s.idx.lookup(key, item); ok {
		return Record{}, ErrDuplicateItem
	}

	var added *Record
	err := s.mutate(func() error {
		gid := InvalidGroupID
		if !key.quarantined {
			var ok bool
			if gid, ok = s.idx.groupIDs[key.name]; !ok {
				gid = s.nextGID
				s.nextGID++
			}
		}

		now := Timestamp{s.timestamp()}
		added = &Record{
			ID:      s.nextID,
			GroupID: gid,
			Group:   key.name,
			Item:    item,
			Value:   value,
			Note:    copyNote(note),
			Created: now,
			Updated: now,
		}
		s.nextID++

		if err := s.idx.insert(added); err != nil {
			return err
		}
		s.records = append(s.records, added)
		return nil
	})
	if err != nil {
		return Record{}, err
	}

	s.logSuccess(audit.OpRecordAdd, added.Group+"/"+added.Item, map[string]any{"id": added.ID, "gid": added.GroupID.String()})
	return added.clone(), nil
}

// Update replaces the value of record id and refreshes its update time.
// The note is replaced only when note is non-nil.
func (s *Store) Update(id uint64, value string, note *string) (Record, error) {
	if s.closed {
		return Record{}, ErrClosed
	}
	if err := validateValue(value, note); err != nil {
		return Record{}, err
	}

	r, ok := s.idx.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}

	err := s.mutate(func() error {
		r.Value = value
		if note != nil {
			r.Note = copyNote(note)
		}
		r.Updated = Timestamp{s.timestamp()}
		return nil
	})
	if err != nil {
		return Record{}, err
	}

	s.logSuccess(audit.OpRecordUpdate, r.Group+"/"+r.Item, map[string]any{"id": id})
	return r.clone(), nil
}

// Delete removes record id. Its group disappears with its last record; the
// group id is not handed out again.
func (s *Store) Delete(id uint64) error {
	if s.closed {
		return ErrClosed
	}

	r, ok := s.idx.byID[id]
	if !ok {
		return ErrNotFound
	}

	err := s.mutate(func() error {
		s.idx.remove(r)
		for i, rec := range s.records {
			if rec == r {
				s.records = append(s.records[:i:i], s.records[i+1:]...)
				break
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logSuccess(audit.OpRecordDelete, r.Group+"/"+r.Item, map[string]any{"id": id})
	return nil
}

// Move reassigns record id to the existing group gid. Moving a record to
// its current group changes nothing.
func (s *Store) Move(id uint64, gid GroupID) (Record, error) {
	if s.closed {
		return Record{}, ErrClosed
	}

	r, ok := s.idx.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	target, ok := s.idx.groupNames[gid]
	if !ok || !gid.Valid() {
		return Record{}, fmt.Errorf("%w: no group with id %s", ErrNotFound, gid)
	}
	if r.GroupID == gid {
		return r.clone(), nil
	}
	if _, ok := s.idx.lookup(groupKey{name: target}, r.Item); ok {
		return Record{}, ErrDuplicateItem
	}

	from := r.Group
	err := s.mutate(func() error {
		s.idx.remove(r)
		r.Group = target
		r.GroupID = gid
		r.Updated = Timestamp{s.timestamp()}
		return s.idx.insert(r)
	})
	if err != nil {
		return Record{}, err
	}

	s.logSuccess(audit.OpRecordMove, r.Group+"/"+r.Item, map[string]any{"id": id, "from": from, "gid": gid.String()})
	return r.clone(), nil
}

// Get returns the record with the given id.
func (s *Store) Get(id uint64) (Record, bool) {
	r, ok := s.idx.byID[id]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// Find returns the record named item in group.
func (s *Store) Find(group, item string) (Record, bool) {
	group, item = NormalizeName(group), NormalizeName(item)
	r, ok := s.idx.lookup(groupKey{name: group}, item)
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// ByGroupName returns the records of the named group ordered by id. It
// never includes records redirected from reserved names; see Quarantined.
func (s *Store) ByGroupName(name string) []Record {
	return sortedByID(s.idx.byGroupName[groupKey{name: NormalizeName(name)}])
}

// ByGroupID returns the records of group gid ordered by id.
func (s *Store) ByGroupID(gid GroupID) []Record {
	members := s.idx.byGroupID[gid]
	out := make([]Record, len(members))
	for i, r := range members {
		out[i] = r.clone()
	}
	return out
}

// Quarantined returns the records that were added under a reserved group
// name, ordered by id.
func (s *Store) Quarantined() []Record {
	return sortedByID(s.idx.byGroupName[groupKey{name: InvalidGroupName, quarantined: true}])
}

// GroupID returns the id bound to a group name.
func (s *Store) GroupID(name string) (GroupID, bool) {
	gid, ok := s.idx.groupIDs[NormalizeName(name)]
	return gid, ok
}

// Groups lists the live groups ordered by id.
func (s *Store) Groups() []Group {
	out := make([]Group, 0, len(s.idx.byGroupID))
	for gid, members := range s.idx.byGroupID {
		out = append(out, Group{ID: gid, Name: s.idx.groupNames[gid], Size: len(members)})
	}
	sortGroups(out)
	return out
}

// List returns every record in stored order.
func (s *Store) List() []Record {
	out := make([]Record, len(s.records))
	for i, r := range s.records {
		out[i] = r.clone()
	}
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	return len(s.records)
}

// snapshot captures the persisted state so a failed write can be undone.
type snapshot struct {
	records []Record
	nextID  uint64
	nextGID GroupID
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		records: make([]Record, len(s.records)),
		nextID:  s.nextID,
		nextGID: s.nextGID,
	}
	for i, r := range s.records {
		snap.records[i] = r.clone()
	}
	return snap
}

// restore rewinds the store to snap, rebuilding the indices. Records are
// restored in place so pointers held by the caller stay valid.
func (s *Store) restore(snap snapshot) {
	byID := make(map[uint64]*Record, len(s.records))
	for _, r := range s.records {
		byID[r.ID] = r
	}
	for _, r := range s.idx.byID {
		byID[r.ID] = r
	}

	records := make([]*Record, len(snap.records))
	for i := range snap.records {
		r, ok := byID[snap.records[i].ID]
		if !ok {
			r = new(Record)
		}
		*r = snap.records[i]
		records[i] = r
	}

	s.records = records
	s.nextID = snap.nextID
	s.nextGID = snap.nextGID

	idx, err := buildIndex(records)
	if err != nil {
		// snap was consistent when taken
		panic(fmt.Sprintf("vault: restoring snapshot: %v", err))
	}
	s.idx = idx
}

// mutate applies fn and persists the result. If either step fails the
// in-memory state is rolled back to match the file.
func (s *Store) mutate(fn func() error) error {
	snap := s.snapshot()
	if err := fn(); err != nil {
		s.restore(snap)
		return err
	}
	if err := s.save(); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// Save writes the current state even when nothing changed. A fresh store
// gets a file that later opens check the passphrase against.
func (s *Store) Save() error {
	if s.closed {
		return ErrClosed
	}
	return s.save()
}

// save encrypts the whole store and replaces the file.
func (s *Store) save() error {
	plaintext, err := encodeDocument(s)
	if err != nil {
		return fmt.Errorf("vault: failed to encode store: %w", err)
	}
	defer crypto.SecureWipe(plaintext)

	blob, err := crypto.Encrypt(s.key, plaintext)
	if err != nil {
		return fmt.Errorf("vault: failed to encrypt store: %w", err)
	}

	if err := checkDiskSpaceForWrite(filepath.Dir(s.path), len(blob)); err != nil {
		return err
	}

	if err := s.write(s.path, blob); err != nil {
		return fmt.Errorf("vault: failed to write store: %w", err)
	}
	return nil
}

// timestamp returns the current time at the persisted precision.
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Store) logSuccess(op, subject string, ctx map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogSuccess(op, s.auditSource, subject, ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to write audit log: %v\n", err)
	}
}

func copyNote(note *string) *string {
	if note == nil {
		return nil
	}
	n := *note
	return &n
}
