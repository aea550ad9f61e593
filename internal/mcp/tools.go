package mcp

import (
	"context"
	"errors"
	"fmt"
	"path"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/papyrus-vault/papyrus/pkg/audit"
	"github.com/papyrus-vault/papyrus/pkg/vault"
)

// ErrAccessDenied is returned for records the policy hides.
var ErrAccessDenied = errors.New("access denied by MCP policy")

// RecordListInput represents input for record_list tool.
type RecordListInput struct {
	Group string `json:"group,omitempty"`
	Match string `json:"match,omitempty"`
}

// RecordListOutput represents output for record_list tool.
type RecordListOutput struct {
	Records []RecordInfo `json:"records"`
}

// RecordInfo represents metadata for a record (no value).
type RecordInfo struct {
	ID        uint64        `json:"id"`
	GroupID   vault.GroupID `json:"gid"`
	Group     string        `json:"group"`
	Item      string        `json:"item"`
	HasNote   bool          `json:"has_note"`
	CreatedAt string        `json:"created_at"`
	UpdatedAt string        `json:"updated_at"`
}

// RecordExistsInput represents input for record_exists tool.
type RecordExistsInput struct {
	Group string `json:"group"`
	Item  string `json:"item"`
}

// RecordExistsOutput represents output for record_exists tool.
type RecordExistsOutput struct {
	Exists bool        `json:"exists"`
	Record *RecordInfo `json:"record,omitempty"`
}

// RecordGetMaskedInput represents input for record_get_masked tool.
type RecordGetMaskedInput struct {
	Group string `json:"group"`
	Item  string `json:"item"`
}

// RecordGetMaskedOutput represents output for record_get_masked tool.
type RecordGetMaskedOutput struct {
	ID          uint64 `json:"id"`
	Group       string `json:"group"`
	Item        string `json:"item"`
	MaskedValue string `json:"masked_value"`
	ValueLength int    `json:"value_length"`
}

// GroupListInput represents input for group_list tool.
type GroupListInput struct{}

// GroupListOutput represents output for group_list tool.
type GroupListOutput struct {
	Groups []GroupInfo `json:"groups"`
}

// GroupInfo describes a visible group.
type GroupInfo struct {
	ID   vault.GroupID `json:"gid"`
	Name string        `json:"group"`
	Size int           `json:"size"`
}

// gidSchema describes a vault.GroupID on the wire: an integer, or the
// string "NaN" for the quarantine sentinel.
var gidSchema = &jsonschema.Schema{
	OneOf: []*jsonschema.Schema{
		{Type: "integer", Minimum: jsonschema.Ptr(0.0)},
		{Type: "string", Enum: []any{"NaN"}},
	},
}

// outputSchema infers the output schema of a tool, describing group ids
// the way vault.GroupID marshals them.
func outputSchema[T any]() *jsonschema.Schema {
	schema, err := jsonschema.For[T](&jsonschema.ForOptions{
		TypeSchemas: map[reflect.Type]*jsonschema.Schema{
			reflect.TypeFor[vault.GroupID](): gidSchema,
		},
	})
	if err != nil {
		panic(fmt.Sprintf("mcp: output schema for %T: %v", *new(T), err))
	}
	return schema
}

func recordInfo(r vault.Record) RecordInfo {
	return RecordInfo{
		ID:        r.ID,
		GroupID:   r.GroupID,
		Group:     r.Group,
		Item:      r.Item,
		HasNote:   r.Note != nil,
		CreatedAt: r.Created.Format(time.RFC3339),
		UpdatedAt: r.Updated.Format(time.RFC3339),
	}
}

func (s *Server) allowed(r vault.Record) bool {
	ok, _ := s.policy.IsGroupAllowed(r.Group, r.Quarantined())
	return ok
}

// handleRecordList handles the record_list tool call.
func (s *Server) handleRecordList(_ context.Context, _ *mcp.CallToolRequest, input RecordListInput) (*mcp.CallToolResult, RecordListOutput, error) {
	if input.Match != "" {
		if _, err := path.Match(input.Match, ""); err != nil {
			return nil, RecordListOutput{}, fmt.Errorf("invalid match pattern: %w", err)
		}
	}

	output := RecordListOutput{Records: make([]RecordInfo, 0)}
	err := s.withStore(func(store *vault.Store) error {
		var records []vault.Record
		if input.Group != "" {
			if ok, reason := s.policy.IsGroupAllowed(vault.NormalizeName(input.Group), false); !ok {
				s.logDenied(audit.OpRecordList, input.Group, reason)
				return fmt.Errorf("%w: %s", ErrAccessDenied, reason)
			}
			records = store.ByGroupName(input.Group)
		} else {
			records = store.List()
		}

		for _, r := range records {
			if !s.allowed(r) {
				continue
			}
			if input.Match != "" {
				if ok, _ := path.Match(input.Match, r.Item); !ok {
					continue
				}
			}
			output.Records = append(output.Records, recordInfo(r))
		}
		return nil
	})
	if err != nil {
		return nil, RecordListOutput{}, err
	}

	s.logSuccess(audit.OpRecordList, input.Group, map[string]any{"count": len(output.Records)})
	return nil, output, nil
}

// handleRecordExists handles the record_exists tool call.
func (s *Server) handleRecordExists(_ context.Context, _ *mcp.CallToolRequest, input RecordExistsInput) (*mcp.CallToolResult, RecordExistsOutput, error) {
	if input.Group == "" || input.Item == "" {
		return nil, RecordExistsOutput{}, errors.New("group and item are required")
	}

	var output RecordExistsOutput
	err := s.withStore(func(store *vault.Store) error {
		if ok, reason := s.policy.IsGroupAllowed(vault.NormalizeName(input.Group), false); !ok {
			s.logDenied(audit.OpRecordGet, input.Group+"/"+input.Item, reason)
			return fmt.Errorf("%w: %s", ErrAccessDenied, reason)
		}

		r, found := store.Find(input.Group, input.Item)
		if !found {
			return nil
		}
		info := recordInfo(r)
		output = RecordExistsOutput{Exists: true, Record: &info}
		return nil
	})
	if err != nil {
		return nil, RecordExistsOutput{}, err
	}

	return nil, output, nil
}

// handleRecordGetMasked handles the record_get_masked tool call.
func (s *Server) handleRecordGetMasked(_ context.Context, _ *mcp.CallToolRequest, input RecordGetMaskedInput) (*mcp.CallToolResult, RecordGetMaskedOutput, error) {
	if input.Group == "" || input.Item == "" {
		return nil, RecordGetMaskedOutput{}, errors.New("group and item are required")
	}

	var output RecordGetMaskedOutput
	err := s.withStore(func(store *vault.Store) error {
		subject := input.Group + "/" + input.Item
		if ok, reason := s.policy.IsGroupAllowed(vault.NormalizeName(input.Group), false); !ok {
			s.logDenied(audit.OpRecordGet, subject, reason)
			return fmt.Errorf("%w: %s", ErrAccessDenied, reason)
		}

		r, found := store.Find(input.Group, input.Item)
		if !found {
			return fmt.Errorf("record '%s' not found", subject)
		}
		output = RecordGetMaskedOutput{
			ID:          r.ID,
			Group:       r.Group,
			Item:        r.Item,
			MaskedValue: maskValue(r.Value),
			ValueLength: utf8.RuneCountInString(r.Value),
		}
		s.logSuccess(audit.OpRecordGet, r.Group+"/"+r.Item, map[string]any{"id": r.ID, "masked": true})
		return nil
	})
	if err != nil {
		return nil, RecordGetMaskedOutput{}, err
	}

	return nil, output, nil
}

// handleGroupList handles the group_list tool call.
func (s *Server) handleGroupList(_ context.Context, _ *mcp.CallToolRequest, _ GroupListInput) (*mcp.CallToolResult, GroupListOutput, error) {
	output := GroupListOutput{Groups: make([]GroupInfo, 0)}
	err := s.withStore(func(store *vault.Store) error {
		for _, g := range store.Groups() {
			if ok, _ := s.policy.IsGroupAllowed(g.Name, false); !ok {
				continue
			}
			output.Groups = append(output.Groups, GroupInfo{ID: g.ID, Name: g.Name, Size: g.Size})
		}
		return nil
	})
	if err != nil {
		return nil, GroupListOutput{}, err
	}

	return nil, output, nil
}

// maskValue masks a value by rune count:
// | Length  | Format          | Example   |
// |---------|-----------------|-----------|
// | 1-4     | All *           | ****      |
// | 5-8     | Show last 2     | ******XY  |
// | 9+      | Show last 4     | ****WXYZ  |
func maskValue(value string) string {
	runes := []rune(value)
	length := len(runes)
	if length == 0 {
		return ""
	}

	switch {
	case length <= 4:
		return strings.Repeat("*", length)
	case length <= 8:
		return strings.Repeat("*", length-2) + string(runes[length-2:])
	default:
		return strings.Repeat("*", length-4) + string(runes[length-4:])
	}
}
