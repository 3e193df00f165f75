package gatekeeper

import (
	"bytes"
	"encoding/base64"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"git.home.luguber.info/inful/pkgforge/internal/build"
	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
)

const (
	MaxDisplayNameRunes = 50
	MaxPackageIDLength  = 255
)

var (
	packageIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)
	colorPattern     = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

	pngMagic  = []byte("\x89PNG\r\n\x1a\n")
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
)

// shellMeta are characters removed from display names before they reach
// generated config files or toolchain arguments.
const shellMeta = "`$\\;|&<>(){}[]!*?~#'\"%^="

// RawConfig is the client-supplied build configuration.
type RawConfig struct {
	AppName      string `json:"appName"`
	PackageID    string `json:"packageId"`
	BuildType    string `json:"buildType,omitempty"`
	IconBase64   string `json:"iconBase64,omitempty"`
	PrimaryColor string `json:"primaryColor,omitempty"`
}

// NormalizeConfig validates raw and returns the immutable build configuration.
func (g *Gatekeeper) NormalizeConfig(raw RawConfig) (build.Config, error) {
	name, err := NormalizeDisplayName(raw.AppName)
	if err != nil {
		return build.Config{}, err
	}
	pkg, err := NormalizePackageID(raw.PackageID)
	if err != nil {
		return build.Config{}, err
	}
	variant, err := NormalizeVariant(raw.BuildType)
	if err != nil {
		return build.Config{}, err
	}
	color, err := NormalizeColor(raw.PrimaryColor)
	if err != nil {
		return build.Config{}, err
	}
	icon, err := DecodeIcon(raw.IconBase64, g.limits.MaxIconBytes)
	if err != nil {
		return build.Config{}, err
	}
	return build.Config{
		AppName:    name,
		PackageID:  pkg,
		Variant:    variant,
		Icon:       icon,
		ThemeColor: color,
	}, nil
}

// NormalizeDisplayName applies NFC normalization, strips control, format and
// shell metacharacters, collapses whitespace and caps the length.
func NormalizeDisplayName(raw string) (string, error) {
	if !utf8.ValidString(raw) {
		return "", errors.FieldError("appName", "must be valid UTF-8").Build()
	}
	s := norm.NFC.String(raw)
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return ' '
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
			return -1
		case strings.ContainsRune(shellMeta, r):
			return -1
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")

	if utf8.RuneCountInString(s) > MaxDisplayNameRunes {
		s = strings.TrimSpace(string([]rune(s)[:MaxDisplayNameRunes]))
	}
	if s == "" {
		return "", errors.FieldError("appName", "must contain at least one allowed character").Build()
	}
	return s, nil
}

// NormalizePackageID lower-cases and validates a reverse-domain identifier.
func NormalizePackageID(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", errors.FieldError("packageId", "is required").Build()
	}
	if len(s) > MaxPackageIDLength {
		return "", errors.FieldError("packageId", "exceeds 255 characters").Build()
	}
	if !packageIDPattern.MatchString(s) {
		return "", errors.FieldError("packageId", "must be a reverse-domain identifier such as com.example.app").Build()
	}
	return s, nil
}

// NormalizeVariant accepts debug or release; empty selects debug.
func NormalizeVariant(raw string) (build.Variant, error) {
	switch build.Variant(strings.ToLower(strings.TrimSpace(raw))) {
	case "", build.VariantDebug:
		return build.VariantDebug, nil
	case build.VariantRelease:
		return build.VariantRelease, nil
	default:
		return "", errors.FieldError("buildType", "must be debug or release").Build()
	}
}

// NormalizeColor validates an optional #RRGGBB color and upper-cases it.
func NormalizeColor(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", nil
	}
	if !colorPattern.MatchString(s) {
		return "", errors.FieldError("primaryColor", "must be a #RRGGBB hex color").Build()
	}
	return strings.ToUpper(s), nil
}

// DecodeIcon decodes an optional base64 PNG or JPEG icon no larger than maxBytes.
// A data URL prefix is accepted.
func DecodeIcon(raw string, maxBytes int64) ([]byte, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ";base64,")
		if i < 0 {
			return nil, errors.FieldError("iconBase64", "data URL must be base64 encoded").Build()
		}
		s = s[i+len(";base64,"):]
	}
	if int64(len(s)) > int64(base64.StdEncoding.EncodedLen(int(maxBytes))) {
		return nil, errors.FieldError("iconBase64", "icon exceeds size limit").WithContext("maximum", maxBytes).Build()
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.FieldError("iconBase64", "is not valid base64").Build()
	}
	if int64(len(data)) > maxBytes {
		return nil, errors.FieldError("iconBase64", "icon exceeds size limit").WithContext("maximum", maxBytes).Build()
	}
	if !bytes.HasPrefix(data, pngMagic) && !bytes.HasPrefix(data, jpegMagic) {
		return nil, errors.FieldError("iconBase64", "icon must be a PNG or JPEG image").Build()
	}
	return data, nil
}
