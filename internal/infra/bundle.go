package infra

import (
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

// BundleInfo holds the Info.plist keys the service cares about.
type BundleInfo struct {
	Identifier  string `plist:"CFBundleIdentifier"`
	Name        string `plist:"CFBundleName"`
	DisplayName string `plist:"CFBundleDisplayName"`
	IconFile    string `plist:"CFBundleIconFile"`
}

// ReadBundleInfo parses <bundle>/Contents/Info.plist.
func ReadBundleInfo(bundlePath string) (*BundleInfo, error) {
	data, err := os.ReadFile(filepath.Join(bundlePath, "Contents", "Info.plist"))
	if err != nil {
		return nil, err
	}
	var info BundleInfo
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// EnclosingBundle returns the nearest *.app directory containing
// execPath, e.g. /Applications/Chess.app for
// /Applications/Chess.app/Contents/MacOS/Chess.
func EnclosingBundle(execPath string) (string, bool) {
	dir := filepath.Dir(filepath.Clean(execPath))
	for dir != "/" && dir != "." {
		if strings.HasSuffix(dir, ".app") {
			return dir, true
		}
		dir = filepath.Dir(dir)
	}
	return "", false
}

// Identity is what a launch source can learn about an executable.
type Identity struct {
	Identifier  string
	DisplayName string
	PackagePath string
}

// BundleResolver maps an executable path to a stable application identity.
type BundleResolver struct{}

// NewBundleResolver creates a resolver.
func NewBundleResolver() *BundleResolver {
	return &BundleResolver{}
}

// Resolve returns the identity for execPath. Executables inside an app bundle
// get the bundle id; anything else is identified by its absolute path.
// An empty execPath yields an empty identity (unresolvable).
func (r *BundleResolver) Resolve(execPath string) Identity {
	if execPath == "" || !filepath.IsAbs(execPath) {
		return Identity{}
	}

	if bundle, ok := EnclosingBundle(execPath); ok {
		info, err := ReadBundleInfo(bundle)
		if err == nil && info.Identifier != "" {
			name := info.DisplayName
			if name == "" {
				name = info.Name
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(bundle), ".app")
			}
			return Identity{
				Identifier:  info.Identifier,
				DisplayName: name,
				PackagePath: bundle,
			}
		}
	}

	return Identity{
		Identifier:  execPath,
		DisplayName: filepath.Base(execPath),
		PackagePath: execPath,
	}
}
