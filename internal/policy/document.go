// Package policy implements the Policy Store: it finds the block-list document
// for a preference domain, parses it and keeps the last good rule set.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	"howett.net/plist"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
)

// BlockedAppsKey is the top-level key holding the rule list, same as the
// managed preferences payload pushed by MDM.
const BlockedAppsKey = "BlockedApps"

// Format is a policy document encoding.
type Format string

const (
	FormatYAML  Format = "yaml"
	FormatJSON  Format = "json"
	FormatPlist Format = "plist"
)

// SupportedExtensions lists document extensions in lookup order.
var SupportedExtensions = []string{".yaml", ".yml", ".json", ".plist"}

// Document is the on-disk policy shape.
type Document struct {
	BlockedApps []domain.BlockRule `json:"BlockedApps" yaml:"BlockedApps" plist:"BlockedApps"`
}

// FormatForPath picks the encoding from the file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".plist":
		return FormatPlist, nil
	default:
		return "", fmt.Errorf("unsupported policy format: %s", path)
	}
}

// Decode parses a policy document. Every rule must name an application.
func Decode(data []byte, format Format) ([]domain.BlockRule, error) {
	var doc Document
	var err error

	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	case FormatJSON:
		err = json.Unmarshal(data, &doc)
	case FormatPlist:
		_, err = plist.Unmarshal(data, &doc)
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return nil, err
	}

	for i, r := range doc.BlockedApps {
		if strings.TrimSpace(r.Identifier) == "" {
			return nil, fmt.Errorf("rule %d: missing Application", i)
		}
	}

	if doc.BlockedApps == nil {
		doc.BlockedApps = []domain.BlockRule{}
	}
	return doc.BlockedApps, nil
}

// Encode serializes rules into a policy document.
func Encode(rules []domain.BlockRule, format Format) ([]byte, error) {
	doc := Document{BlockedApps: rules}

	switch format {
	case FormatYAML:
		return yaml.Marshal(doc)
	case FormatJSON:
		return json.MarshalIndent(doc, "", "  ")
	case FormatPlist:
		var buf bytes.Buffer
		enc := plist.NewEncoder(&buf)
		enc.Indent("\t")
		if err := enc.Encode(doc); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// Save writes rules to path, format chosen by extension.
// Written via temp file + rename so the running engine never reads half a document.
func Save(path string, rules []domain.BlockRule) error {
	format, err := FormatForPath(path)
	if err != nil {
		return err
	}

	data, err := Encode(rules, format)
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".policy-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, path)
}

// Match returns the first rule whose identifier equals id exactly.
func Match(rules []domain.BlockRule, id string) (domain.BlockRule, bool) {
	for _, r := range rules {
		if r.Identifier == id {
			return r, true
		}
	}
	return domain.BlockRule{}, false
}
