package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/papyrus-vault/papyrus/pkg/audit"
	"github.com/papyrus-vault/papyrus/pkg/vault"
)

// The record operations below back both the cobra commands and the shell.
// args are already checked for count.

func addRecord(w io.Writer, s *vault.Store, args []string) error {
	var note *string
	if len(args) == 4 {
		note = &args[3]
	}

	r, err := s.Add(args[0], args[1], args[2], note)
	if err != nil {
		if errors.Is(err, vault.ErrDuplicateItem) {
			return fmt.Errorf("item '%s' already exists in group '%s'", args[1], args[0])
		}
		return fmt.Errorf("failed to add record: %w", err)
	}

	if r.Quarantined() {
		fmt.Fprintf(w, "'%s' is a reserved group name; record %d was added to '%s'\n", args[0], r.ID, vault.InvalidGroupName)
		return nil
	}
	fmt.Fprintf(w, "Record %d added to group '%s' (gid %s)\n", r.ID, r.Group, r.GroupID)
	return nil
}

func updateRecord(w io.Writer, s *vault.Store, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	var note *string
	if len(args) == 3 {
		note = &args[2]
	}

	if _, err := s.Update(id, args[1], note); err != nil {
		return describeRecordError("update", id, err)
	}
	fmt.Fprintf(w, "Record %d updated\n", id)
	return nil
}

func deleteRecord(w io.Writer, s *vault.Store, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	if err := s.Delete(id); err != nil {
		return describeRecordError("delete", id, err)
	}
	fmt.Fprintf(w, "Record %d deleted\n", id)
	return nil
}

func moveRecord(w io.Writer, s *vault.Store, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	gid, err := vault.ParseGroupID(args[1])
	if err != nil {
		return fmt.Errorf("invalid group id %q", args[1])
	}

	r, err := s.Move(id, gid)
	if err != nil {
		if errors.Is(err, vault.ErrDuplicateItem) {
			return fmt.Errorf("group %s already has an item with the name of record %d", gid, id)
		}
		if errors.Is(err, vault.ErrNotFound) {
			return fmt.Errorf("record %d or group %s not found", id, gid)
		}
		return fmt.Errorf("failed to move record: %w", err)
	}
	fmt.Fprintf(w, "Record %d moved to group '%s' (gid %s)\n", r.ID, r.Group, r.GroupID)
	return nil
}

func getRecord(w io.Writer, s *vault.Store, source string, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	r, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("record %d not found", id)
	}
	logAccess(s, audit.OpRecordGet, source, r.Group+"/"+r.Item, map[string]any{"id": r.ID})

	fmt.Fprintln(w, r.Value)
	if r.Note != nil {
		fmt.Fprintf(w, "note: %s\n", *r.Note)
	}
	return nil
}

func describeRecordError(op string, id uint64, err error) error {
	if errors.Is(err, vault.ErrNotFound) {
		return fmt.Errorf("record %d not found", id)
	}
	return fmt.Errorf("failed to %s record: %w", op, err)
}

// logAccess records a read in the store's audit log, if one is attached.
// Mutations are audited by the store itself.
func logAccess(s *vault.Store, op, source, subject string, ctx map[string]any) {
	l := s.AuditLogger()
	if l == nil {
		return
	}
	if err := l.LogSuccess(op, source, subject, ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to write audit log: %v\n", err)
	}
}
