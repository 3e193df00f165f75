package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/pkgforge/internal/build"
)

func TestWriteManifestMergesProjectKeys(t *testing.T) {
	root := t.TempDir()
	existing := `{"appId":"attacker.controlled","plugins":{"SplashScreen":{"launchShowDuration":0}}}`
	require.NoError(t, os.WriteFile(filepath.Join(root, "capacitor.config.json"), []byte(existing), 0o600))

	cfg := build.Config{AppName: "Demo", PackageID: "com.example.demo", ThemeColor: "#ABCDEF"}
	path, err := WriteManifest(root, "capacitor.config.json", "dist", cfg)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))

	assert.Equal(t, "com.example.demo", doc["appId"])
	assert.Equal(t, "Demo", doc["appName"])
	assert.Equal(t, "dist", doc["webDir"])
	assert.Equal(t, "#ABCDEF", doc["backgroundColor"])
	assert.Contains(t, doc, "plugins")
}

func TestWriteManifestIgnoresBrokenDocument(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "capacitor.config.json"), []byte("not json"), 0o600))

	_, err := WriteManifest(root, "capacitor.config.json", "dist", build.Config{AppName: "A", PackageID: "com.a.b"})
	require.NoError(t, err)
}
