package vault

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/papyrus-vault/papyrus/pkg/crypto"
)

// fileDocument is the JSON layout of a decrypted store file.
type fileDocument struct {
	Digest     string    `json:"digest"`
	CurrentID  uint64    `json:"currentID"`
	CurrentGID GroupID   `json:"currentGID"`
	Records    []*Record `json:"records"`
}

// document is a decoded and validated fileDocument.
type document struct {
	fingerprint []byte
	currentID   uint64
	currentGID  GroupID
	records     []*Record
}

func encodeDocument(s *Store) ([]byte, error) {
	records := s.records
	if records == nil {
		records = []*Record{}
	}
	data, err := json.Marshal(fileDocument{
		Digest:     encodeDigest(s.fingerprint),
		CurrentID:  s.nextID,
		CurrentGID: s.nextGID,
		Records:    records,
	})
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(data)

	// Quotes inside values are escaped, so the pattern only matches the key.
	return bytes.ReplaceAll(data, []byte(`"gid":"NaN"`), []byte(`"gid":NaN`)), nil
}

// encodeDigest writes the fingerprint as its own text. A key that is not
// valid UTF-8, from a multibyte passphrase cut at 32 bytes, would not
// survive a JSON string and is written as hex.
func encodeDigest(fingerprint []byte) string {
	if utf8.Valid(fingerprint) {
		return string(fingerprint)
	}
	return hex.EncodeToString(fingerprint)
}

func decodeDigest(digest string) ([]byte, bool) {
	switch len(digest) {
	case crypto.KeyLength:
		return []byte(digest), true
	case 2 * crypto.KeyLength:
		b, err := hex.DecodeString(digest)
		return b, err == nil
	}
	return nil, false
}

// quoteBareNaN turns the bare NaN group ids of the store format into the
// string "NaN", which encoding/json can read. It returns nil when data has
// none.
func quoteBareNaN(data []byte) []byte {
	var at []int
	inString, escaped := false, false
	for i := 0; i < len(data); i++ {
		c := data[i]
		switch {
		case inString:
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
		case c == '"':
			inString = true
		case c == 'N' && bytes.HasPrefix(data[i:], []byte("NaN")):
			at = append(at, i)
			i += 2
		}
	}
	if len(at) == 0 {
		return nil
	}

	out := make([]byte, 0, len(data)+2*len(at))
	start := 0
	for _, i := range at {
		out = append(out, data[start:i]...)
		out = append(out, `"NaN"`...)
		start = i + 3
	}
	return append(out, data[start:]...)
}

// decodeDocument parses plaintext. Any structural problem is ErrCorrupt.
func decodeDocument(plaintext []byte) (*document, error) {
	if quoted := quoteBareNaN(plaintext); quoted != nil {
		defer crypto.SecureWipe(quoted)
		plaintext = quoted
	}

	var raw fileDocument
	if err := json.Unmarshal(plaintext, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	fingerprint, ok := decodeDigest(raw.Digest)
	if !ok {
		return nil, fmt.Errorf("%w: malformed digest", ErrCorrupt)
	}
	if !raw.CurrentGID.Valid() {
		return nil, fmt.Errorf("%w: group counter is not a number", ErrCorrupt)
	}

	for i, r := range raw.Records {
		if r == nil {
			return nil, fmt.Errorf("%w: record %d is null", ErrCorrupt, i)
		}
		if r.Group == "" || r.Item == "" {
			return nil, fmt.Errorf("%w: record %d has an empty name", ErrCorrupt, r.ID)
		}
	}

	return &document{
		fingerprint: fingerprint,
		currentID:   raw.CurrentID,
		currentGID:  raw.CurrentGID,
		records:     raw.Records,
	}, nil
}

// checkCounters verifies no record id or group id has been handed out
// beyond the persisted counters.
func (d *document) checkCounters() error {
	for _, r := range d.records {
		if r.ID >= d.currentID {
			return fmt.Errorf("%w: record id %d not below counter %d", ErrCorrupt, r.ID, d.currentID)
		}
		if r.GroupID.Valid() && r.GroupID >= d.currentGID {
			return fmt.Errorf("%w: group id %d not below counter %d", ErrCorrupt, r.GroupID, d.currentGID)
		}
	}
	return nil
}
