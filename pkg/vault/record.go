package vault

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// InvalidGroupName is the group that receives records whose group name is
// reserved. Its records carry InvalidGroupID.
const InvalidGroupName = "Invalid Group Name"

// InvalidGroupID marks a record in the InvalidGroupName group. It is never a
// valid lookup key. The store file holds it as a bare NaN, the way Python's
// json module writes a float NaN; elsewhere it marshals as the string "NaN".
const InvalidGroupID GroupID = -1

// TimestampLayout is the persisted form of record timestamps.
const TimestampLayout = "2006-01-02_15:04:05.000000"

// Input validation limits
const (
	MaxNameLength = 256         // group and item names, in characters
	MaxValueSize  = 1024 * 1024 // 1 MB
	MaxNoteSize   = 10 * 1024   // 10 KB
)

// reservedNames cannot be used as group names.
var reservedNames = map[string]bool{
	"_rid":    true,
	"_gid":    true,
	"_gidmap": true,
}

// IsReservedGroupName reports whether records added under name are
// redirected to InvalidGroupName.
func IsReservedGroupName(name string) bool {
	return reservedNames[name]
}

// GroupID identifies a group. IDs are allocated from a counter on first use
// of a group name and are never reassigned to another name.
type GroupID int64

// Valid reports whether id can be used for lookups.
func (id GroupID) Valid() bool {
	return id >= 0
}

func (id GroupID) String() string {
	if !id.Valid() {
		return "NaN"
	}
	return strconv.FormatInt(int64(id), 10)
}

// ParseGroupID parses a decimal group id.
func ParseGroupID(s string) (GroupID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 63)
	if err != nil {
		return InvalidGroupID, fmt.Errorf("vault: invalid group id %q", s)
	}
	return GroupID(n), nil
}

// MarshalJSON implements json.Marshaler.
func (id GroupID) MarshalJSON() ([]byte, error) {
	if !id.Valid() {
		return []byte(`"NaN"`), nil
	}
	return []byte(strconv.FormatInt(int64(id), 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *GroupID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte(`"NaN"`)) {
		*id = InvalidGroupID
		return nil
	}
	n, err := strconv.ParseUint(string(data), 10, 63)
	if err != nil {
		return fmt.Errorf("vault: invalid group id %s", data)
	}
	*id = GroupID(n)
	return nil
}

// Timestamp is a record time persisted in TimestampLayout.
type Timestamp struct {
	time.Time
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(TimestampLayout))
}

// UnmarshalJSON implements json.Unmarshaler. Fractional seconds are
// optional, and RFC 3339 is accepted as well.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("vault: invalid timestamp %s", data)
	}
	parsed, err := time.Parse("2006-01-02_15:04:05", s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("vault: invalid timestamp %q", s)
		}
	}
	t.Time = parsed.UTC()
	return nil
}

// Record is one stored secret.
type Record struct {
	ID      uint64    `json:"id"`
	GroupID GroupID   `json:"gid"`
	Group   string    `json:"group"`
	Item    string    `json:"itemname"`
	Value   string    `json:"value"`
	Note    *string   `json:"note"`
	Created Timestamp `json:"created"`
	Updated Timestamp `json:"updated"`
}

// Quarantined reports whether the record sits in the InvalidGroupName group
// because it was added under a reserved name.
func (r Record) Quarantined() bool {
	return !r.GroupID.Valid()
}

// clone returns a copy that shares no memory with r.
func (r *Record) clone() Record {
	c := *r
	if r.Note != nil {
		note := *r.Note
		c.Note = &note
	}
	return c
}

// Group summarises a group for listings.
type Group struct {
	ID   GroupID `json:"gid"`
	Name string  `json:"group"`
	Size int     `json:"size"`
}

// NormalizeName trims surrounding space and applies Unicode NFC so names
// typed with different compositions compare equal.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// validateName checks a normalized group or item name.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, MaxNameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: name contains control characters", ErrInvalidName)
		}
	}
	return nil
}

func validateValue(value string, note *string) error {
	if len(value) > MaxValueSize {
		return ErrValueTooLarge
	}
	if note != nil && len(*note) > MaxNoteSize {
		return ErrNoteTooLarge
	}
	return nil
}
