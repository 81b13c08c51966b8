package infra

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
)

const (
	// DefaultIcon is shown when the blocked app's own icon cannot be found.
	DefaultIcon domain.IconHandle = "/System/Library/CoreServices/CoreTypes.bundle/Contents/Resources/AlertStopIcon.icns"

	// DefaultDesktopIcon is the freedesktop icon name used on Linux.
	DefaultDesktopIcon domain.IconHandle = "dialog-error"
)

// ResolveIcon returns the icon inside the app package at packagePath, or the
// platform default when the package, its Info.plist or the icon file is missing.
func ResolveIcon(packagePath string) domain.IconHandle {
	if icon, ok := bundleIcon(packagePath); ok {
		return icon
	}
	return defaultIcon(runtime.GOOS)
}

func bundleIcon(packagePath string) (domain.IconHandle, bool) {
	if packagePath == "" {
		return "", false
	}
	info, err := ReadBundleInfo(packagePath)
	if err != nil || info.IconFile == "" {
		return "", false
	}

	iconPath := filepath.Join(packagePath, "Contents", "Resources", info.IconFile)
	if filepath.Ext(iconPath) == "" {
		iconPath += ".icns"
	}
	if _, err := os.Stat(iconPath); err != nil {
		return "", false
	}
	return domain.IconHandle(iconPath), true
}

func defaultIcon(goos string) domain.IconHandle {
	if goos == "darwin" {
		return DefaultIcon
	}
	return DefaultDesktopIcon
}
