package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/pkgforge/internal/build"
	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
)

// WriteManifest writes the toolchain config document into root. Keys the
// project already declares are preserved except the ones the service owns.
func WriteManifest(root, name, webDir string, cfg build.Config) (string, error) {
	dest := filepath.Join(root, name)

	doc := map[string]any{}
	if existing, err := os.ReadFile(dest); err == nil { // #nosec G304 -- confined to the build's source tree
		if jerr := json.Unmarshal(existing, &doc); jerr != nil || doc == nil {
			doc = map[string]any{}
		}
	}

	doc["appId"] = cfg.PackageID
	doc["appName"] = cfg.AppName
	if webDir != "" {
		doc["webDir"] = webDir
	}
	if cfg.ThemeColor != "" {
		doc["backgroundColor"] = cfg.ThemeColor
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", errors.InternalError("encode toolchain manifest").WithCause(err).Build()
	}
	if err := os.WriteFile(dest, append(data, '\n'), 0o640); err != nil {
		return "", errors.FileSystemError("write toolchain manifest").WithCause(err).WithContext("path", dest).Build()
	}
	return dest, nil
}
