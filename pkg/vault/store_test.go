package vault

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/papyrus-vault/papyrus/pkg/audit"
	"github.com/papyrus-vault/papyrus/pkg/crypto"
)

const testPassphrase = "testpassword123"

// stepClock returns a clock that advances one second per call.
func stepClock() func() time.Time {
	t := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func openTestStore(t *testing.T, path string, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithClock(stepClock())}, opts...)
	s, err := Open(path, testPassphrase, opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func mustAdd(t *testing.T, s *Store, group, item, value string, note *string) Record {
	t.Helper()
	r, err := s.Add(group, item, value, note)
	if err != nil {
		t.Fatalf("Add(%q, %q) failed: %v", group, item, err)
	}
	return r
}

func TestOpenEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultFileName)
	s := openTestStore(t, path)

	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d records", s.Len())
	}
	if len(s.Groups()) != 0 {
		t.Errorf("expected no groups, got %v", s.Groups())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("store file should not exist before the first mutation, stat err = %v", err)
	}
	if s.Path() != path {
		t.Errorf("expected path %s, got %s", path, s.Path())
	}
}

func TestOpenEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	if err := os.WriteFile(path, nil, FileMode); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}

	s := openTestStore(t, path)
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d records", s.Len())
	}
}

// TestConcreteScenario walks through adds, an update and deletes and checks
// every index along the way.
func TestConcreteScenario(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), DefaultFileName))

	boa := mustAdd(t, s, "bank", "boa", "kkk3000", nil)
	google := mustAdd(t, s, "web", "google", "answer42", nil)
	facebook := mustAdd(t, s, "web", "facebook", "lol2012", nil)

	ids := []uint64{boa.ID, google.ID, facebook.ID}
	if !reflect.DeepEqual(ids, []uint64{0, 1, 2}) {
		t.Errorf("expected ids [0 1 2], got %v", ids)
	}
	gids := []GroupID{boa.GroupID, google.GroupID, facebook.GroupID}
	if !reflect.DeepEqual(gids, []GroupID{0, 1, 1}) {
		t.Errorf("expected group ids [0 1 1], got %v", gids)
	}

	updated, err := s.Update(1, "google42", strPtr("a note"))
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Value != "google42" {
		t.Errorf("expected value google42, got %s", updated.Value)
	}
	if updated.Note == nil || *updated.Note != "a note" {
		t.Errorf("expected note 'a note', got %v", updated.Note)
	}
	if !updated.Updated.After(google.Updated.Time) {
		t.Errorf("expected updated timestamp to advance, got %v then %v", google.Updated, updated.Updated)
	}
	if !updated.Created.Equal(google.Created.Time) {
		t.Error("update should not change the created timestamp")
	}

	r0, _ := s.Get(0)
	if !reflect.DeepEqual(r0, boa) {
		t.Errorf("record 0 changed by update of record 1: %+v", r0)
	}

	if err := s.Delete(0); err != nil {
		t.Fatalf("Delete(0) failed: %v", err)
	}
	if err := s.Delete(2); err != nil {
		t.Fatalf("Delete(2) failed: %v", err)
	}

	list := s.List()
	if len(list) != 1 {
		t.Fatalf("expected 1 record, got %d", len(list))
	}
	if list[0].ID != 1 || list[0].Group != "web" || list[0].Item != "google" {
		t.Errorf("unexpected remaining record %+v", list[0])
	}

	if got := s.ByGroupName("bank"); len(got) != 0 {
		t.Errorf("expected bank to be gone, got %v", got)
	}
	if got := s.ByGroupID(0); len(got) != 0 {
		t.Errorf("expected group 0 to be gone, got %v", got)
	}
	if _, ok := s.GroupID("bank"); ok {
		t.Error("expected bank to be unbound")
	}
	groups := s.Groups()
	if len(groups) != 1 || groups[0] != (Group{ID: 1, Name: "web", Size: 1}) {
		t.Errorf("unexpected groups %v", groups)
	}

	// facebook was not the last web member; google stays reachable
	if got := s.ByGroupID(1); len(got) != 1 || got[0].ID != 1 {
		t.Errorf("expected record 1 under gid 1, got %v", got)
	}
	if got := s.ByGroupName("web"); len(got) != 1 || got[0].ID != 1 {
		t.Errorf("expected record 1 under web, got %v", got)
	}
	if gid, ok := s.GroupID("web"); !ok || gid != 1 {
		t.Errorf("expected web bound to gid 1, got %s %v", gid, ok)
	}
	if r, ok := s.Find("web", "google"); !ok || r.ID != 1 {
		t.Errorf("expected web/google to be record 1, got %+v", r)
	}
}

// TestRoundTrip checks that reopening a store yields the same records for
// several store sizes.
func TestRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 2, 10, 50} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), DefaultFileName)

			s, err := Open(path, testPassphrase, WithClock(stepClock()))
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			for i := 0; i < n; i++ {
				var note *string
				if i%2 == 0 {
					note = strPtr(fmt.Sprintf("note %d", i))
				}
				mustAdd(t, s, fmt.Sprintf("group-%d", i%3), fmt.Sprintf("item-%d", i), fmt.Sprintf("value-%d", i), note)
			}
			if n > 0 {
				// reserved name and an emptied group exercise the counters
				mustAdd(t, s, "_gidmap", "odd", "x", nil)
				extra := mustAdd(t, s, "temporary", "gone", "x", nil)
				if err := s.Delete(extra.ID); err != nil {
					t.Fatalf("Delete failed: %v", err)
				}
			}
			want := s.List()
			wantGroups := s.Groups()
			wantNextID, wantNextGID := s.nextID, s.nextGID
			if err := s.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}

			reopened := openTestStore(t, path)
			if got := reopened.List(); !reflect.DeepEqual(got, want) {
				t.Errorf("records differ after reopen:\n got %+v\nwant %+v", got, want)
			}
			if got := reopened.Groups(); !reflect.DeepEqual(got, wantGroups) {
				t.Errorf("groups differ after reopen: got %v, want %v", got, wantGroups)
			}
			if reopened.nextID != wantNextID || reopened.nextGID != wantNextGID {
				t.Errorf("counters differ after reopen: got (%d, %d), want (%d, %d)",
					reopened.nextID, reopened.nextGID, wantNextID, wantNextGID)
			}
		})
	}
}

func TestIDsAreNeverReused(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), DefaultFileName))

	a := mustAdd(t, s, "g", "a", "1", nil)
	b := mustAdd(t, s, "g", "b", "2", nil)
	if err := s.Delete(b.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	c := mustAdd(t, s, "g", "c", "3", nil)

	if !(a.ID < b.ID && b.ID < c.ID) {
		t.Errorf("expected strictly increasing ids, got %d, %d, %d", a.ID, b.ID, c.ID)
	}
}

func TestGroupIDStability(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), DefaultFileName))

	first := mustAdd(t, s, "bank", "boa", "1", nil)
	mustAdd(t, s, "web", "google", "2", nil)
	second := mustAdd(t, s, "bank", "chase", "3", nil)
	if first.GroupID != second.GroupID {
		t.Errorf("expected same group id for bank, got %d and %d", first.GroupID, second.GroupID)
	}

	// Deleting one member keeps the binding.
	if err := s.Delete(first.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	third := mustAdd(t, s, "bank", "citi", "4", nil)
	if third.GroupID != first.GroupID {
		t.Errorf("expected bank to keep id %d, got %d", first.GroupID, third.GroupID)
	}

	// Emptying the group releases the name; the old id is not handed out again.
	if err := s.Delete(second.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(third.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	again := mustAdd(t, s, "bank", "boa", "5", nil)
	if again.GroupID == first.GroupID {
		t.Errorf("group id %d was reused after the group was emptied", first.GroupID)
	}
	if again.GroupID != 2 {
		t.Errorf("expected next group id 2, got %d", again.GroupID)
	}
}

func TestAddDuplicateItem(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), DefaultFileName))

	mustAdd(t, s, "web", "google", "1", nil)
	if _, err := s.Add("web", "google", "2", nil); !errors.Is(err, ErrDuplicateItem) {
		t.Errorf("expected ErrDuplicateItem, got %v", err)
	}
	// NFC and surrounding space normalise to the same name.
	if _, err := s.Add(" web ", "google", "2", nil); !errors.Is(err, ErrDuplicateItem) {
		t.Errorf("expected ErrDuplicateItem for padded group, got %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 record, got %d", s.Len())
	}
	if s.nextID != 1 {
		t.Errorf("failed add must not consume an id, counter = %d", s.nextID)
	}

	// Same item in another group is fine.
	mustAdd(t, s, "mail", "google", "3", nil)
}

func TestAddNormalizesNames(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), DefaultFileName))

	decomposed := "cafe\u0301"
	composed := "caf\u00e9"
	mustAdd(t, s, decomposed, "login", "x", nil)

	if _, ok := s.Find(composed, "login"); !ok {
		t.Error("expected NFC-equivalent group name to find the record")
	}
	if got := s.ByGroupName(composed); len(got) != 1 || got[0].Group != composed {
		t.Errorf("expected stored group name in NFC, got %v", got)
	}
}

func TestAddInvalidInput(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), DefaultFileName))

	tests := []struct {
		name  string
		group string
		item  string
		value string
		note  *string
		want  error
	}{
		{"empty group", "", "item", "v", nil, ErrInvalidName},
		{"blank item", "g", "   ", "v", nil, ErrInvalidName},
		{"control character", "g", "a\tb", "v", nil, ErrInvalidName},
		{"long name", string(make([]rune, MaxNameLength+1)), "i", "v", nil, ErrInvalidName},
		{"value too large", "g", "i", string(make([]byte, MaxValueSize+1)), nil, ErrValueTooLarge},
		{"note too large", "g", "i", "v", strPtr(string(make([]byte, MaxNoteSize+1))), ErrNoteTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Add(tt.group, tt.item, tt.value, tt.note); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if s.Len() != 0 {
		t.Errorf("expected no records, got %d", s.Len())
	}
}

// TestReservedGroupNames checks that reserved names are redirected and kept
// apart from a user group with the sentinel's display name.
func TestReservedGroupNames(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), DefaultFileName))

	for i, name := range []string{"_rid", "_gid", "_gidmap"} {
		r, err := s.Add(name, fmt.Sprintf("item-%d", i), "v", nil)
		if err != nil {
			t.Fatalf("Add(%q) should not fail: %v", name, err)
		}
		if r.Group != InvalidGroupName || r.GroupID != InvalidGroupID || !r.Quarantined() {
			t.Errorf("Add(%q) = %+v, expected sentinel group", name, r)
		}
	}

	if _, err := s.Add("_rid", "item-0", "v", nil); !errors.Is(err, ErrDuplicateItem) {
		t.Errorf("expected ErrDuplicateItem inside the sentinel group, got %v", err)
	}

	user := mustAdd(t, s, InvalidGroupName, "item-0", "v", nil)
	if user.Quarantined() || user.GroupID != 0 {
		t.Errorf("user group named %q should get a real id, got %+v", InvalidGroupName, user)
	}

	if got := s.Quarantined(); len(got) != 3 {
		t.Errorf("expected 3 quarantined records, got %d", len(got))
	}
	if got := s.ByGroupName(InvalidGroupName); len(got) != 1 || got[0].ID != user.ID {
		t.Errorf("expected only the user record under %q, got %v", InvalidGroupName, got)
	}
	if got := s.ByGroupID(InvalidGroupID); len(got) != 0 {
		t.Errorf("sentinel id must never match, got %v", got)
	}
	if groups := s.Groups(); len(groups) != 1 {
		t.Errorf("expected only the user group listed, got %v", groups)
	}
	if s.nextGID != 1 {
		t.Errorf("sentinel records must not consume group ids, counter = %d", s.nextGID)
	}
}

func TestUpdate(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), DefaultFileName))
	r := mustAdd(t, s, "g", "i", "old", strPtr("keep me"))

	got, err := s.Update(r.ID, "new", nil)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got.Value != "new" {
		t.Errorf("expected value new, got %s", got.Value)
	}
	if got.Note == nil || *got.Note != "keep me" {
		t.Errorf("nil note should keep the old one, got %v", got.Note)
	}

	if _, err := s.Update(99, "x", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteNotFound(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), DefaultFileName))
	mustAdd(t, s, "g", "i", "v", nil)

	if err := s.Delete(5); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(0); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestMove(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), DefaultFileName))

	boa := mustAdd(t, s, "bank", "boa", "1", nil)
	google := mustAdd(t, s, "web", "google", "2", nil)
	mustAdd(t, s, "web", "boa", "3", nil)

	// collision with an existing item in the target group
	if _, err := s.Move(boa.ID, google.GroupID); !errors.Is(err, ErrDuplicateItem) {
		t.Errorf("expected ErrDuplicateItem, got %v", err)
	}
	if _, err := s.Move(99, google.GroupID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown record, got %v", err)
	}
	if _, err := s.Move(boa.ID, 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown group, got %v", err)
	}
	if _, err := s.Move(boa.ID, InvalidGroupID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for the sentinel id, got %v", err)
	}

	same, err := s.Move(google.ID, google.GroupID)
	if err != nil {
		t.Fatalf("Move to current group failed: %v", err)
	}
	if !reflect.DeepEqual(same, google) {
		t.Errorf("Move to current group should change nothing, got %+v", same)
	}

	moved, err := s.Move(google.ID, boa.GroupID)
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if moved.Group != "bank" || moved.GroupID != boa.GroupID {
		t.Errorf("expected record in bank, got %+v", moved)
	}
	if !moved.Updated.After(google.Updated.Time) {
		t.Error("expected Move to refresh the updated timestamp")
	}
	if _, ok := s.Find("bank", "google"); !ok {
		t.Error("expected bank/google to exist after move")
	}
	if _, ok := s.Find("web", "google"); ok {
		t.Error("expected web/google to be gone after move")
	}
	if got := s.ByGroupID(boa.GroupID); len(got) != 2 || got[0].ID != boa.ID || got[1].ID != google.ID {
		t.Errorf("expected bank members [boa google] by id, got %v", got)
	}
}

func TestMoveEmptiesSourceGroup(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), DefaultFileName))

	mustAdd(t, s, "bank", "boa", "1", nil)
	lone := mustAdd(t, s, "old", "thing", "2", nil)

	if _, err := s.Move(lone.ID, 0); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if _, ok := s.GroupID("old"); ok {
		t.Error("expected emptied group to be unbound")
	}
	if got := s.ByGroupID(lone.GroupID); len(got) != 0 {
		t.Errorf("expected no members in emptied group, got %v", got)
	}
}

func TestMoveOutOfQuarantine(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), DefaultFileName))

	bank := mustAdd(t, s, "bank", "boa", "1", nil)
	stray := mustAdd(t, s, "_rid", "card", "2", nil)

	moved, err := s.Move(stray.ID, bank.GroupID)
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if moved.Quarantined() || moved.Group != "bank" {
		t.Errorf("expected record moved into bank, got %+v", moved)
	}
	if len(s.Quarantined()) != 0 {
		t.Error("expected quarantine to be empty")
	}
}

func TestLookupsReturnCopies(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), DefaultFileName))
	r := mustAdd(t, s, "g", "i", "v", strPtr("note"))

	got, _ := s.Get(r.ID)
	got.Value = "changed"
	*got.Note = "changed"

	again, _ := s.Get(r.ID)
	if again.Value != "v" || *again.Note != "note" {
		t.Errorf("mutating a returned record changed the store: %+v", again)
	}
}

func TestWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	s := openTestStore(t, path)
	mustAdd(t, s, "bank", "boa", "kkk3000", nil)
	s.Close()

	_, err := Open(path, "a different passphrase")
	if !errors.Is(err, ErrInvalidPassphrase) && !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrInvalidPassphrase or ErrCorrupt, got %v", err)
	}

	state, err := LoadAttemptState(path)
	if err != nil {
		t.Fatalf("LoadAttemptState failed: %v", err)
	}
	if state.FailedAttempts != 1 {
		t.Errorf("expected 1 failed attempt, got %d", state.FailedAttempts)
	}

	// The lock is released after a failed open and a good open resets the count.
	good := openTestStore(t, path)
	if good.Len() != 1 {
		t.Errorf("expected 1 record, got %d", good.Len())
	}
	state, _ = LoadAttemptState(path)
	if state.FailedAttempts != 0 {
		t.Errorf("expected attempts cleared, got %d", state.FailedAttempts)
	}
}

// TestFingerprintMismatch writes a document encrypted with the right key
// but carrying another fingerprint.
func TestFingerprintMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	key := crypto.DeriveKey([]byte(testPassphrase))
	other := crypto.DeriveKey([]byte("other"))

	doc := fmt.Sprintf(`{"digest":"%x","currentID":0,"currentGID":0,"records":[]}`, other)
	blob, err := crypto.Encrypt(key, []byte(doc))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if err := os.WriteFile(path, blob, FileMode); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := Open(path, testPassphrase); !errors.Is(err, ErrInvalidPassphrase) {
		t.Errorf("expected ErrInvalidPassphrase, got %v", err)
	}
}

func TestCorruptDocuments(t *testing.T) {
	key := crypto.DeriveKey([]byte(testPassphrase))
	digest := fmt.Sprintf("%x", key)
	rec := func(id uint64, gid, group, item string) string {
		return fmt.Sprintf(`{"id":%d,"gid":%s,"group":%q,"itemname":%q,"value":"v","note":null,`+
			`"created":"2026-01-01_00:00:00.000000","updated":"2026-01-01_00:00:00"}`, id, gid, group, item)
	}

	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `this is not json`},
		{"bad digest", `{"digest":"zz","currentID":0,"currentGID":0,"records":[]}`},
		{"duplicate id", fmt.Sprintf(`{"digest":%q,"currentID":5,"currentGID":2,"records":[%s,%s]}`,
			digest, rec(1, "0", "a", "x"), rec(1, "1", "b", "y"))},
		{"duplicate item", fmt.Sprintf(`{"digest":%q,"currentID":5,"currentGID":2,"records":[%s,%s]}`,
			digest, rec(1, "0", "a", "x"), rec(2, "0", "a", "x"))},
		{"id beyond counter", fmt.Sprintf(`{"digest":%q,"currentID":1,"currentGID":2,"records":[%s]}`,
			digest, rec(1, "0", "a", "x"))},
		{"gid beyond counter", fmt.Sprintf(`{"digest":%q,"currentID":5,"currentGID":1,"records":[%s]}`,
			digest, rec(1, "1", "a", "x"))},
		{"group with two ids", fmt.Sprintf(`{"digest":%q,"currentID":5,"currentGID":2,"records":[%s,%s]}`,
			digest, rec(1, "0", "a", "x"), rec(2, "1", "a", "y"))},
		{"bad timestamp", fmt.Sprintf(`{"digest":%q,"currentID":5,"currentGID":2,"records":[%s]}`,
			digest, `{"id":1,"gid":0,"group":"a","itemname":"x","value":"v","note":null,"created":"yesterday","updated":"yesterday"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), DefaultFileName)
			blob, err := crypto.Encrypt(key, []byte(tt.doc))
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}
			if err := os.WriteFile(path, blob, FileMode); err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}
			if _, err := Open(path, testPassphrase); !errors.Is(err, ErrCorrupt) {
				t.Errorf("expected ErrCorrupt, got %v", err)
			}
		})
	}
}

// TestLoadSentinelDocument loads a hand-written document with a "NaN" gid.
func TestLoadSentinelDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	key := crypto.DeriveKey([]byte(testPassphrase))
	doc := fmt.Sprintf(`{"digest":"%x","currentID":2,"currentGID":1,"records":[`+
		`{"id":0,"gid":"NaN","group":"Invalid Group Name","itemname":"x","value":"v","note":null,"created":"2012-05-01_10:00:00.123456","updated":"2012-05-01_10:00:00.123456"},`+
		`{"id":1,"gid":0,"group":"web","itemname":"y","value":"w","note":"n","created":"2012-05-01_10:00:01","updated":"2012-05-01_10:00:01"}]}`, key)
	blob, err := crypto.Encrypt(key, []byte(doc))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if err := os.WriteFile(path, blob, FileMode); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	s := openTestStore(t, path)
	q := s.Quarantined()
	if len(q) != 1 || q[0].ID != 0 {
		t.Fatalf("expected record 0 quarantined, got %v", q)
	}
	want := time.Date(2012, 5, 1, 10, 0, 0, 123456000, time.UTC)
	if !q[0].Created.Equal(want) {
		t.Errorf("expected created %v, got %v", want, q[0].Created)
	}
	r, ok := s.Find("web", "y")
	if !ok || r.Note == nil || *r.Note != "n" {
		t.Errorf("expected web/y with note, got %+v", r)
	}
}

func TestLockConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	s := openTestStore(t, path)

	if _, err := Open(path, testPassphrase); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	s2, err := Open(path, testPassphrase)
	if err != nil {
		t.Fatalf("Open after Close failed: %v", err)
	}
	s2.Close()
}

func TestClosedStore(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), DefaultFileName))
	r := mustAdd(t, s, "g", "i", "v", nil)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	if _, err := s.Add("g", "j", "v", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Add, got %v", err)
	}
	if _, err := s.Update(r.ID, "v", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Update, got %v", err)
	}
	if err := s.Delete(r.ID); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Delete, got %v", err)
	}
	if _, err := s.Move(r.ID, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Move, got %v", err)
	}
	if _, ok := s.Get(r.ID); !ok {
		t.Error("lookups should keep working after Close")
	}
}

// TestRollbackOnWriteFailure makes every write fail and checks the
// in-memory state still matches the file.
func TestRollbackOnWriteFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	s := openTestStore(t, path)

	boa := mustAdd(t, s, "bank", "boa", "1", nil)
	web := mustAdd(t, s, "web", "google", "2", nil)
	wantList := s.List()
	wantGroups := s.Groups()
	wantNextID, wantNextGID := s.nextID, s.nextGID

	writeErr := errors.New("disk on fire")
	s.write = func(string, []byte) error { return writeErr }

	check := func(op string, err error) {
		t.Helper()
		if !errors.Is(err, writeErr) {
			t.Errorf("%s: expected write error, got %v", op, err)
		}
		if got := s.List(); !reflect.DeepEqual(got, wantList) {
			t.Errorf("%s: records changed after failed write: %+v", op, got)
		}
		if got := s.Groups(); !reflect.DeepEqual(got, wantGroups) {
			t.Errorf("%s: groups changed after failed write: %v", op, got)
		}
		if s.nextID != wantNextID || s.nextGID != wantNextGID {
			t.Errorf("%s: counters changed after failed write", op)
		}
		if r, ok := s.Find("bank", "boa"); !ok || r.ID != boa.ID {
			t.Errorf("%s: bank/boa index lost", op)
		}
	}

	_, err := s.Add("new", "item", "v", nil)
	check("Add", err)
	if _, ok := s.GroupID("new"); ok {
		t.Error("Add: group binding survived a failed write")
	}

	_, err = s.Update(boa.ID, "changed", strPtr("n"))
	check("Update", err)

	check("Delete", s.Delete(web.ID))

	_, err = s.Move(web.ID, boa.GroupID)
	check("Move", err)
	if got := s.ByGroupID(web.GroupID); len(got) != 1 {
		t.Errorf("Move: web members = %v", got)
	}

	s.write = writeFileAtomic
	s.Close()

	reopened := openTestStore(t, path)
	if got := reopened.List(); !reflect.DeepEqual(got, wantList) {
		t.Errorf("file content differs from memory: %+v", got)
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	s := openTestStore(t, path)

	for i := 0; i < 5; i++ {
		mustAdd(t, s, "g", fmt.Sprintf("i%d", i), "v", nil)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		switch e.Name() {
		case DefaultFileName, DefaultFileName + LockSuffix:
		default:
			t.Errorf("unexpected file %s", e.Name())
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != FileMode && os.PathSeparator == '/' {
		t.Errorf("expected mode %o, got %o", FileMode, perm)
	}
}

func TestCooldown(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	s := openTestStore(t, path)
	mustAdd(t, s, "g", "i", "v", nil)
	s.Close()

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := WithClock(func() time.Time { return now })

	for i := 1; i < CooldownThreshold1; i++ {
		if _, err := Open(path, "wrong", clock); errors.Is(err, ErrTooManyAttempts) {
			t.Fatalf("attempt %d triggered cooldown early", i)
		}
	}
	if _, err := Open(path, "wrong", clock); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts on attempt %d, got %v", CooldownThreshold1, err)
	}

	if _, err := Open(path, testPassphrase, clock); !errors.Is(err, ErrCooldownActive) {
		t.Errorf("expected ErrCooldownActive during cooldown, got %v", err)
	}

	now = now.Add(CooldownDuration1 + time.Second)
	s2, err := Open(path, testPassphrase, clock)
	if err != nil {
		t.Fatalf("Open after cooldown failed: %v", err)
	}
	s2.Close()
}

func TestAuditEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	logger := audit.NewLogger(AuditPath(path))
	s := openTestStore(t, path, WithAudit(logger, audit.SourceCLI))

	if s.AuditLogger() != logger {
		t.Fatal("expected the attached audit logger")
	}

	r := mustAdd(t, s, "bank", "boa", "1", nil)
	if _, err := s.Update(r.ID, "2", nil); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := s.Delete(r.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	events, err := logger.ListEvents(0, time.Time{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	var ops []string
	for _, e := range events {
		ops = append(ops, e.Operation)
	}
	want := []string{audit.OpStoreOpen, audit.OpRecordAdd, audit.OpRecordUpdate, audit.OpRecordDelete}
	if !reflect.DeepEqual(ops, want) {
		t.Errorf("expected ops %v, got %v", want, ops)
	}

	result, err := logger.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("expected valid audit chain, got %v", result.Errors)
	}
}

func TestSaveEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	s, err := Open(path, testPassphrase)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.Close()

	if err := s.Save(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}

	_, err = Open(path, "wrong passphrase")
	if !errors.Is(err, ErrInvalidPassphrase) && !errors.Is(err, ErrCorrupt) {
		t.Errorf("saved empty store should reject a wrong passphrase, got %v", err)
	}

	reopened := openTestStore(t, path)
	if reopened.Len() != 0 {
		t.Errorf("expected empty store, got %d records", reopened.Len())
	}
}

// TestRandomOperations runs a seeded mix of adds, deletes and moves,
// including reserved names and a user group called InvalidGroupName, and
// cross-checks every lookup against the record list after each step.
func TestRandomOperations(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	s, err := Open(path, testPassphrase, WithClock(stepClock()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	rng := rand.New(rand.NewSource(20140301))
	groups := []string{"bank", "web", "work", "_rid", "_gid", "_gidmap", InvalidGroupName}
	items := []string{"a", "b", "c", "d", "e"}

	nextFresh := uint64(0)
	gidNames := map[GroupID]string{}

	for step := 0; step < 300; step++ {
		before := s.Len()
		switch op := rng.Intn(10); {
		case op < 5:
			r, err := s.Add(groups[rng.Intn(len(groups))], items[rng.Intn(len(items))], fmt.Sprintf("v%d", step), nil)
			if errors.Is(err, ErrDuplicateItem) {
				if s.Len() != before {
					t.Fatalf("step %d: failed add changed the store", step)
				}
				break
			}
			if err != nil {
				t.Fatalf("step %d: Add failed: %v", step, err)
			}
			if r.ID != nextFresh {
				t.Fatalf("step %d: expected id %d, got %d", step, nextFresh, r.ID)
			}
			nextFresh++
		case op < 8:
			if before == 0 {
				break
			}
			list := s.List()
			victim := list[rng.Intn(len(list))]
			if err := s.Delete(victim.ID); err != nil {
				t.Fatalf("step %d: Delete(%d) failed: %v", step, victim.ID, err)
			}
			if _, ok := s.Get(victim.ID); ok {
				t.Fatalf("step %d: deleted record %d still found", step, victim.ID)
			}
		default:
			list, gs := s.List(), s.Groups()
			if len(list) == 0 || len(gs) == 0 {
				break
			}
			r := list[rng.Intn(len(list))]
			target := gs[rng.Intn(len(gs))]
			moved, err := s.Move(r.ID, target.ID)
			if errors.Is(err, ErrDuplicateItem) {
				break
			}
			if err != nil {
				t.Fatalf("step %d: Move failed: %v", step, err)
			}
			if moved.GroupID != target.ID || moved.Group != target.Name {
				t.Fatalf("step %d: moved record %+v not in %+v", step, moved, target)
			}
		}

		checkIndexes(t, s, step, nextFresh, gidNames)
	}

	want, wantGroups := s.List(), s.Groups()
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := Open(path, "not the passphrase"); err == nil {
		t.Fatal("expected the wrong passphrase to be rejected")
	}

	reopened := openTestStore(t, path)
	if got := reopened.List(); !reflect.DeepEqual(got, want) {
		t.Errorf("records differ after reopen:\n got %+v\nwant %+v", got, want)
	}
	if got := reopened.Groups(); !reflect.DeepEqual(got, wantGroups) {
		t.Errorf("groups differ after reopen: got %v, want %v", got, wantGroups)
	}
}

// checkIndexes verifies every lookup agrees with List.
func checkIndexes(t *testing.T, s *Store, step int, nextFresh uint64, gidNames map[GroupID]string) {
	t.Helper()

	list := s.List()
	if len(list) != s.Len() {
		t.Fatalf("step %d: List has %d records, Len %d", step, len(list), s.Len())
	}

	members := map[GroupID][]Record{}
	var quarantined []Record
	seen := map[uint64]bool{}
	for _, r := range list {
		if seen[r.ID] {
			t.Fatalf("step %d: id %d appears twice", step, r.ID)
		}
		seen[r.ID] = true
		if r.ID >= nextFresh {
			t.Fatalf("step %d: id %d was never handed out", step, r.ID)
		}
		if got, ok := s.Get(r.ID); !ok || !reflect.DeepEqual(got, r) {
			t.Fatalf("step %d: Get(%d) = %+v, %v", step, r.ID, got, ok)
		}

		if r.Quarantined() {
			if r.Group != InvalidGroupName {
				t.Fatalf("step %d: quarantined record %d in group %q", step, r.ID, r.Group)
			}
			quarantined = append(quarantined, r)
			continue
		}
		if got, ok := s.Find(r.Group, r.Item); !ok || got.ID != r.ID {
			t.Fatalf("step %d: Find(%q, %q) = %+v, %v", step, r.Group, r.Item, got, ok)
		}
		members[r.GroupID] = append(members[r.GroupID], r)

		if name, ok := gidNames[r.GroupID]; ok && name != r.Group {
			t.Fatalf("step %d: gid %s moved from %q to %q", step, r.GroupID, name, r.Group)
		}
		gidNames[r.GroupID] = r.Group
	}

	if got := s.Quarantined(); len(got) != len(quarantined) || (len(got) > 0 && !reflect.DeepEqual(got, quarantined)) {
		t.Fatalf("step %d: Quarantined() = %v, want %v", step, got, quarantined)
	}

	groups := s.Groups()
	if len(groups) != len(members) {
		t.Fatalf("step %d: %d groups listed, %d in use", step, len(groups), len(members))
	}
	for _, g := range groups {
		want := members[g.ID]
		if g.Size != len(want) {
			t.Fatalf("step %d: group %+v, want size %d", step, g, len(want))
		}
		if got := s.ByGroupID(g.ID); !reflect.DeepEqual(got, want) {
			t.Fatalf("step %d: ByGroupID(%s) = %v, want %v", step, g.ID, got, want)
		}
		if got := s.ByGroupName(g.Name); !reflect.DeepEqual(got, want) {
			t.Fatalf("step %d: ByGroupName(%q) = %v, want %v", step, g.Name, got, want)
		}
		if gid, ok := s.GroupID(g.Name); !ok || gid != g.ID {
			t.Fatalf("step %d: GroupID(%q) = %s, %v", step, g.Name, gid, ok)
		}
	}
	if got := s.ByGroupID(InvalidGroupID); len(got) != 0 {
		t.Fatalf("step %d: the sentinel id matched %v", step, got)
	}
}
