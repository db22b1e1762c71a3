// Package gwconfig reads and patches the gateway's JSON configuration file.
// The file lives at a fixed name inside the state directory; unknown fields
// are preserved across a patch since the gateway owns most of the document.
package gwconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the fixed name of the gateway configuration file inside the
// state directory.
const FileName = "gateway.json"

// ErrMissingConfig reports an expected gateway.json that was not found.
var ErrMissingConfig = fmt.Errorf("%s not found", FileName)

// Document is a decoded gateway.json. It is a loose map so fields this
// subsystem does not know about survive a read-modify-write cycle.
type Document map[string]any

// PathIn returns the config path for a given state directory.
func PathIn(stateDir string) string {
	return filepath.Join(stateDir, FileName)
}

// Load reads and decodes the configuration at path.
func Load(path string) (Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrMissingConfig, path)
		}
		return nil, fmt.Errorf("read gateway config: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", FileName, err)
	}
	return doc, nil
}

// Save writes the document back with stable indentation.
func Save(path string, doc Document) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", FileName, err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", FileName, err)
	}
	return nil
}

// Token returns gateway.auth.token, or empty when absent.
func (d Document) Token() string {
	s, _ := d.getString("gateway", "auth", "token")
	return s
}

// WorkspaceRoot returns workspace.root, or empty when absent. During a
// restore this is the old machine's state directory recorded in the backup.
func (d Document) WorkspaceRoot() string {
	s, _ := d.getString("workspace", "root")
	return s
}

// HostPatch describes the current host environment a restored configuration
// must be adjusted to.
type HostPatch struct {
	StateDir    string // workspace root on this machine
	ShellOrigin string // UI origin of the embedding shell, added to the allow-list
}

// PatchForHost rewrites the document in place for the current host: the
// gateway is forced onto local/loopback binding regardless of what the
// source machine ran, the embedding shell's origin is ensured on the
// allow-list, workspace paths point at the current state directory, and
// first-run consent is marked satisfied (a restore is not an onboarding).
func (d Document) PatchForHost(p HostPatch) error {
	if d == nil {
		return errors.New("nil gateway config document")
	}
	d.set("local", "gateway", "mode")
	d.set("loopback", "gateway", "bind")
	if p.StateDir != "" {
		d.set(p.StateDir, "workspace", "root")
	}
	if p.ShellOrigin != "" {
		d.ensureOrigin(p.ShellOrigin)
	}
	d.set(true, "onboarding", "consentAccepted")
	return nil
}

func (d Document) ensureOrigin(origin string) {
	gw := d.child("gateway")
	var origins []any
	if cur, ok := gw["allowedOrigins"].([]any); ok {
		origins = cur
	}
	for _, o := range origins {
		if s, ok := o.(string); ok && s == origin {
			return
		}
	}
	gw["allowedOrigins"] = append(origins, origin)
}

// child returns the object at key, creating it when absent or of another type.
func (d Document) child(key string) map[string]any {
	if m, ok := d[key].(map[string]any); ok {
		return m
	}
	m := make(map[string]any)
	d[key] = m
	return m
}

func (d Document) set(v any, path ...string) {
	m := map[string]any(d)
	for _, key := range path[:len(path)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[key] = next
		}
		m = next
	}
	m[path[len(path)-1]] = v
}

func (d Document) getString(path ...string) (string, bool) {
	var cur any = map[string]any(d)
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[key]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok
}
