package pipeline

import (
	"strings"

	"git.home.luguber.info/inful/pkgforge/internal/build"
)

// Build-specific variables exported to every stage.
const (
	EnvAppID      = "PKGFORGE_APP_ID"
	EnvAppName    = "PKGFORGE_APP_NAME"
	EnvBuildType  = "PKGFORGE_BUILD_TYPE"
	EnvIconPath   = "PKGFORGE_ICON_PATH"
	EnvThemeColor = "PKGFORGE_THEME_COLOR"
	EnvBuildID    = "PKGFORGE_BUILD_ID"
)

// ScrubEnv drops every variable whose upper-cased name contains one of the
// deny-listed substrings.
func ScrubEnv(environ, deny []string) []string {
	upperDeny := make([]string, 0, len(deny))
	for _, d := range deny {
		if d = strings.ToUpper(strings.TrimSpace(d)); d != "" {
			upperDeny = append(upperDeny, d)
		}
	}

	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		if denied(strings.ToUpper(name), upperDeny) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func denied(name string, deny []string) bool {
	for _, d := range deny {
		if strings.Contains(name, d) {
			return true
		}
	}
	return false
}

// BuildEnv is the scrubbed parent environment plus the build's own variables.
// Build variables are appended last so they win over inherited values.
func BuildEnv(environ, deny []string, id string, cfg build.Config, iconPath string) []string {
	env := ScrubEnv(environ, deny)
	env = append(env,
		EnvBuildID+"="+id,
		EnvAppID+"="+cfg.PackageID,
		EnvAppName+"="+cfg.AppName,
		EnvBuildType+"="+string(cfg.Variant),
	)
	if iconPath != "" {
		env = append(env, EnvIconPath+"="+iconPath)
	}
	if cfg.ThemeColor != "" {
		env = append(env, EnvThemeColor+"="+cfg.ThemeColor)
	}
	return env
}
