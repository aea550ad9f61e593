package mcp

import (
	"errors"
	"fmt"
	"io"
	"path"

	"gopkg.in/yaml.v3"

	"github.com/papyrus-vault/papyrus/pkg/vault"
)

// Policy decides which groups MCP clients may see.
//
//	version: 1
//	default_action: deny
//	allowed_groups: [web, "dev-*"]
//	denied_groups: [bank]
type Policy struct {
	Version       int      `yaml:"version"`
	DefaultAction string   `yaml:"default_action"`
	DeniedGroups  []string `yaml:"denied_groups"`
	AllowedGroups []string `yaml:"allowed_groups"`
}

// PolicyFileName is the default name of the policy file, next to the store.
const PolicyFileName = "mcp-policy.yaml"

// Policy action constants
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// ErrPolicyNotFound is returned when no policy file exists
var ErrPolicyNotFound = errors.New("MCP policy file not found")

// ErrPolicyInsecure is returned when policy file has insecure permissions
var ErrPolicyInsecure = errors.New("MCP policy file has insecure permissions")

// ErrPolicySymlink is returned when policy file is a symlink
var ErrPolicySymlink = errors.New("MCP policy file is a symlink")

// ErrPolicyNotOwnedByUser is returned when policy file is not owned by current user
var ErrPolicyNotOwnedByUser = errors.New("MCP policy file not owned by current user")

// LoadPolicy loads the MCP policy from path. The file is opened without
// following symlinks and its mode and owner are checked on the open
// descriptor.
func LoadPolicy(policyPath string) (*Policy, error) {
	f, err := openPolicyFile(policyPath)
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) || errors.Is(err, ErrPolicySymlink) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to open policy file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy file: %w", err)
	}
	if err := checkFilePermissions(info); err != nil {
		return nil, err
	}
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(content, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	if policy.DefaultAction == "" {
		policy.DefaultAction = ActionDeny
	}
	if err := policy.ValidatePolicy(); err != nil {
		return nil, err
	}

	return &policy, nil
}

// IsGroupAllowed checks if a group may be exposed. Evaluation order:
// quarantined records are always denied, then denied_groups, then
// allowed_groups, then default_action. Patterns are globs.
func (p *Policy) IsGroupAllowed(group string, quarantined bool) (allowed bool, reason string) {
	if quarantined {
		return false, "records under reserved group names are never exposed"
	}

	if p == nil {
		return false, "no MCP policy configured"
	}

	for _, denied := range p.DeniedGroups {
		if matchGroup(group, denied) {
			return false, fmt.Sprintf("group '%s' matches denied pattern '%s'", group, denied)
		}
	}

	for _, allowed := range p.AllowedGroups {
		if matchGroup(group, allowed) {
			return true, ""
		}
	}

	if p.DefaultAction == ActionAllow {
		return true, ""
	}

	return false, fmt.Sprintf("group '%s' not in allowed_groups list", group)
}

// matchGroup matches a normalized group name against a glob pattern.
func matchGroup(group, pattern string) bool {
	pattern = vault.NormalizeName(pattern)
	if pattern == group {
		return true
	}
	matched, err := path.Match(pattern, group)
	return err == nil && matched
}

// ValidatePolicy validates the policy configuration
func (p *Policy) ValidatePolicy() error {
	if p.Version != 1 {
		return fmt.Errorf("unsupported policy version: %d", p.Version)
	}

	if p.DefaultAction != ActionDeny && p.DefaultAction != ActionAllow {
		return fmt.Errorf("invalid default_action: %s (must be '%s' or '%s')", p.DefaultAction, ActionDeny, ActionAllow)
	}

	for _, pattern := range append(append([]string{}, p.DeniedGroups...), p.AllowedGroups...) {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid group pattern '%s': %w", pattern, err)
		}
	}

	return nil
}
