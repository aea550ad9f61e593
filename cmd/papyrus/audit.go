package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/papyrus-vault/papyrus/pkg/vault"
)

// auditCmd is the parent command for audit operations
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
}

var errAuditDisabled = errors.New("audit log is disabled in the config")

// auditListCmd lists audit log entries
var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var since time.Time
		if auditSince != "" {
			duration, err := parseDuration(auditSince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			since = time.Now().Add(-duration)
		}

		return withStore(func(s *vault.Store) error {
			logger := s.AuditLogger()
			if logger == nil {
				return errAuditDisabled
			}

			events, err := logger.ListEvents(auditLimit, since)
			if err != nil {
				return fmt.Errorf("failed to list audit events: %w", err)
			}

			w := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(w, "No audit events found")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(w)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Time", "Operation", "Source", "Result", "Detail"})
			for _, event := range events {
				detail := ""
				if event.Error != nil {
					detail = event.Error.Code
					if event.Error.Message != "" {
						detail += ": " + event.Error.Message
					}
				}
				t.AppendRow(table.Row{event.Timestamp, event.Operation, event.Actor.Source, event.Result, detail})
			}
			t.AppendFooter(table.Row{"", "", "", "Total", len(events)})
			t.Render()
			return nil
		})
	},
}

// auditVerifyCmd verifies audit log integrity
var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log HMAC chain integrity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *vault.Store) error {
			logger := s.AuditLogger()
			if logger == nil {
				return errAuditDisabled
			}

			w := cmd.OutOrStdout()
			result, err := logger.Verify()
			if err != nil {
				return fmt.Errorf("failed to verify audit log: %w", err)
			}

			if !result.Valid {
				fmt.Fprintln(w, "✗ Audit log verification FAILED")
				fmt.Fprintf(w, "  Records total: %d\n", result.RecordsTotal)
				fmt.Fprintf(w, "  Records verified: %d\n", result.RecordsVerified)
				fmt.Fprintln(w, "  Errors:")
				for _, e := range result.Errors {
					fmt.Fprintf(w, "    - %s\n", e)
				}
				return errors.New("audit log integrity check failed")
			}

			fmt.Fprintf(w, "✓ Audit log verified: %d records, chain intact\n", result.RecordsTotal)
			return nil
		})
	},
}

// parseDuration parses a duration string like "30d", "1y", "24h"
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return time.ParseDuration(s)
	}

	switch unit {
	case 'h':
		return time.Duration(value) * time.Hour, nil
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case 'y':
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		return time.ParseDuration(s)
	}
}
