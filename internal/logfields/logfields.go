package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyBuildID    = "build_id"
	KeyOwner      = "owner"
	KeyStatus     = "build_status"
	KeyStage      = "stage"
	KeyProgress   = "progress"
	KeyDurationMS = "duration_ms"
	KeyPath       = "path"
	KeyMethod     = "method"
	KeyStatusCode = "status"
	KeyUserAgent  = "user_agent"
	KeyRemoteAddr = "remote_addr"
	KeyWorker     = "worker"
	KeyLimit      = "limit"
	KeyArtifact   = "artifact"
	KeyBytes      = "bytes"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func BuildID(id string) slog.Attr       { return slog.String(KeyBuildID, id) }
func Owner(o string) slog.Attr          { return slog.String(KeyOwner, o) }
func Status(s string) slog.Attr         { return slog.String(KeyStatus, s) }
func Stage(name string) slog.Attr       { return slog.String(KeyStage, name) }
func Progress(p int) slog.Attr          { return slog.Int(KeyProgress, p) }
func DurationMS(ms float64) slog.Attr   { return slog.Float64(KeyDurationMS, ms) }
func Path(p string) slog.Attr           { return slog.String(KeyPath, p) }
func Method(m string) slog.Attr         { return slog.String(KeyMethod, m) }
func StatusCode(code int) slog.Attr     { return slog.Int(KeyStatusCode, code) }
func UserAgent(ua string) slog.Attr     { return slog.String(KeyUserAgent, ua) }
func RemoteAddr(addr string) slog.Attr  { return slog.String(KeyRemoteAddr, addr) }
func Worker(w string) slog.Attr         { return slog.String(KeyWorker, w) }
func Limit(l string) slog.Attr          { return slog.String(KeyLimit, l) }
func Artifact(path string) slog.Attr    { return slog.String(KeyArtifact, path) }
func Bytes(n int64) slog.Attr           { return slog.Int64(KeyBytes, n) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
