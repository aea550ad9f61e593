// Package mcp implements the MCP (Model Context Protocol) server for papyrus.
// AI agents see record names and masked values, never plaintext values.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/papyrus-vault/papyrus/pkg/audit"
	"github.com/papyrus-vault/papyrus/pkg/vault"
)

// EnvPassphrase holds the store passphrase when none is passed in options.
const EnvPassphrase = "PAPYRUS_PASSPHRASE"

// Version reported to MCP clients.
const Version = "0.1.0"

// Server represents the MCP server for papyrus.
type Server struct {
	server     *mcp.Server
	storePath  string
	passphrase string
	policy     *Policy
	audit      *audit.Logger

	// mu serialises store access; every tool call opens the store, reads
	// and closes it so the CLI can use the store between calls.
	mu sync.Mutex
}

// ServerOptions contains configuration options for the MCP server.
type ServerOptions struct {
	// StorePath is the store file.
	StorePath string

	// Passphrase unlocks the store. If empty, PAPYRUS_PASSPHRASE is read
	// and cleared.
	Passphrase string

	// PolicyPath is the policy file. Defaults to mcp-policy.yaml next to
	// the store.
	PolicyPath string

	// Audit enables audit logging of tool calls.
	Audit bool
}

// NewServer creates a new MCP server instance. The passphrase is checked by
// opening the store once.
func NewServer(opts *ServerOptions) (*Server, error) {
	if opts == nil || opts.StorePath == "" {
		return nil, errors.New("store path is required")
	}

	policyPath := opts.PolicyPath
	if policyPath == "" {
		policyPath = filepath.Join(filepath.Dir(opts.StorePath), PolicyFileName)
	}

	// a missing or broken policy leaves every group hidden
	policy, err := LoadPolicy(policyPath)
	if err != nil {
		log.Printf("warning: failed to load MCP policy: %v", err)
		policy = nil
	}

	passphrase := opts.Passphrase
	if passphrase == "" {
		passphrase = os.Getenv(EnvPassphrase)
		os.Unsetenv(EnvPassphrase)
	}
	if passphrase == "" {
		return nil, fmt.Errorf("no passphrase provided: set %s environment variable", EnvPassphrase)
	}

	s := &Server{
		storePath:  opts.StorePath,
		passphrase: passphrase,
		policy:     policy,
	}

	var openOpts []vault.Option
	if opts.Audit {
		s.audit = audit.NewLogger(vault.AuditPath(opts.StorePath))
		openOpts = append(openOpts, vault.WithAudit(s.audit, audit.SourceMCP))
	}
	store, err := vault.Open(opts.StorePath, passphrase, openOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if opts.Audit && store.AuditLogger() == nil {
		// the key could not be set; logging would only fail
		s.audit = nil
	}
	if err := store.Close(); err != nil {
		return nil, fmt.Errorf("failed to close store: %w", err)
	}

	s.server = mcp.NewServer(
		&mcp.Implementation{
			Name:    "papyrus",
			Version: Version,
		},
		nil,
	)
	s.registerTools()

	return s, nil
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:         "record_list",
		Description:  "List records visible under the MCP policy. Returns ids, group and item names, timestamps and whether a note is present. Does NOT return values.",
		OutputSchema: outputSchema[RecordListOutput](),
	}, s.handleRecordList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:         "record_exists",
		Description:  "Check if a record exists in a group and return its metadata. Does NOT return the value.",
		OutputSchema: outputSchema[RecordExistsOutput](),
	}, s.handleRecordExists)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "record_get_masked",
		Description: "Get a masked version of a record value (e.g., '****WXYZ'). Useful for verifying a value without exposing it.",
	}, s.handleRecordGetMasked)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:         "group_list",
		Description:  "List groups visible under the MCP policy with their ids and sizes.",
		OutputSchema: outputSchema[GroupListOutput](),
	}, s.handleGroupList)
}

// Run starts the MCP server using stdio transport.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Close drops the passphrase.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passphrase = ""
	return nil
}

// withStore opens the store for the duration of fn.
func (s *Server) withStore(fn func(*vault.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.passphrase == "" {
		return errors.New("server is closed")
	}

	store, err := vault.Open(s.storePath, s.passphrase)
	if err != nil {
		if errors.Is(err, vault.ErrLocked) {
			return errors.New("store is in use by another papyrus process, retry later")
		}
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("warning: failed to close store: %v", err)
		}
	}()

	return fn(store)
}

func (s *Server) logSuccess(op, subject string, ctx map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogSuccess(op, audit.SourceMCP, subject, ctx); err != nil {
		log.Printf("warning: failed to write audit log: %v", err)
	}
}

func (s *Server) logDenied(op, subject, reason string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogDenied(op, audit.SourceMCP, subject, reason); err != nil {
		log.Printf("warning: failed to write audit log: %v", err)
	}
}
