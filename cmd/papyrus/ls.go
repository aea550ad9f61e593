package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-runewidth"

	"github.com/papyrus-vault/papyrus/internal/cli"
	"github.com/papyrus-vault/papyrus/pkg/audit"
	"github.com/papyrus-vault/papyrus/pkg/vault"
)

const (
	formatTable = "table"
	formatJSON  = "json"

	targetGroup  = "group"
	targetRecord = "record"

	noteWidth = 40
)

type recordOutput struct {
	ID      uint64  `json:"id"`
	GroupID string  `json:"gid"`
	Group   string  `json:"group"`
	Item    string  `json:"item"`
	Note    *string `json:"note,omitempty"`
	Created string  `json:"created"`
	Updated string  `json:"updated"`
}

type groupOutput struct {
	ID   string `json:"gid"`
	Name string `json:"group"`
	Size int    `json:"size"`
}

// list prints the groups or records selected by target. Values are never
// printed; use get for that. Record listings are audited as source.
func list(w io.Writer, s *vault.Store, source, target, match, format string) error {
	if format != formatTable && format != formatJSON {
		return fmt.Errorf("invalid format: %s (valid values: table, json)", format)
	}

	if target == targetGroup {
		if match != "" {
			return fmt.Errorf("--match filters records and cannot be used with 'ls group'")
		}
		return printGroups(w, s.Groups(), format)
	}

	records, err := selectRecords(s, target)
	if err != nil {
		return err
	}
	if match != "" {
		if records, err = cli.MatchRecords(match, records); err != nil {
			return err
		}
	}

	logAccess(s, audit.OpRecordList, source, "", map[string]any{"count": len(records)})
	return printRecords(w, records, format)
}

// selectRecords resolves an ls target: empty or "record" for everything,
// then a group id, then a group name or glob over group names.
func selectRecords(s *vault.Store, target string) ([]vault.Record, error) {
	switch target {
	case "", targetRecord:
		return s.List(), nil
	case vault.InvalidGroupName:
		return append(s.ByGroupName(target), s.Quarantined()...), nil
	}

	if gid, err := vault.ParseGroupID(target); err == nil {
		if records := s.ByGroupID(gid); len(records) > 0 {
			return records, nil
		}
	}

	if !cli.HasGlob(target) {
		records := s.ByGroupName(target)
		if len(records) == 0 {
			return nil, fmt.Errorf("no group named or numbered '%s'", target)
		}
		return records, nil
	}

	names, err := cli.ExpandPattern(target, cli.GroupNames(s.Groups()))
	if err != nil {
		return nil, err
	}
	var records []vault.Record
	for _, name := range names {
		records = append(records, s.ByGroupName(name)...)
	}
	return records, nil
}

func printRecords(w io.Writer, records []vault.Record, format string) error {
	if format == formatJSON {
		out := make([]recordOutput, 0, len(records))
		for _, r := range records {
			out = append(out, recordOutput{
				ID:      r.ID,
				GroupID: r.GroupID.String(),
				Group:   r.Group,
				Item:    r.Item,
				Note:    r.Note,
				Created: r.Created.Format(time.RFC3339),
				Updated: r.Updated.Format(time.RFC3339),
			})
		}
		return writeJSON(w, out)
	}

	if len(records) == 0 {
		fmt.Fprintln(w, "No records found")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "GID", "Group", "Item", "Note", "Updated"})
	for _, r := range records {
		note := ""
		if r.Note != nil {
			note = runewidth.Truncate(strings.Join(strings.Fields(*r.Note), " "), noteWidth, "...")
		}
		t.AppendRow(table.Row{r.ID, r.GroupID.String(), r.Group, r.Item, note, r.Updated.Format("2006-01-02 15:04:05")})
	}
	t.Render()
	return nil
}

func printGroups(w io.Writer, groups []vault.Group, format string) error {
	if format == formatJSON {
		out := make([]groupOutput, 0, len(groups))
		for _, g := range groups {
			out = append(out, groupOutput{ID: g.ID.String(), Name: g.Name, Size: g.Size})
		}
		return writeJSON(w, out)
	}

	if len(groups) == 0 {
		fmt.Fprintln(w, "No groups found")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"GID", "Group", "Records"})
	for _, g := range groups {
		t.AppendRow(table.Row{g.ID.String(), g.Name, g.Size})
	}
	t.Render()
	return nil
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
