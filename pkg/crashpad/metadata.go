// metadata.go collects the device and application snapshot.

package crashpad

import (
	"os"
	"runtime"
	"strings"

	"golang.org/x/text/language"
)

// AppInfo identifies the host application.
type AppInfo struct {
	Name    string
	Version string
	Build   string
}

// localeVariables are consulted in POSIX precedence order.
var localeVariables = []string{"LC_ALL", "LC_MESSAGES", "LANG"}

// CollectMetadata gathers OS, architecture, locale and application facts.
// It never fails: a fact that is unavailable on the current platform is
// recorded as an empty string. Call it once per process and reuse the
// result; the snapshot is immutable.
func CollectMetadata(app AppInfo) Metadata {
	return collectMetadata(app, os.Getenv)
}

func collectMetadata(app AppInfo, getenv func(string) string) Metadata {
	hostname, _ := os.Hostname() // empty hostname is acceptable

	return Metadata{
		OSName:     osName(runtime.GOOS),
		OSVersion:  osVersion(),
		Arch:       runtime.GOARCH,
		Model:      deviceModel(),
		Locale:     detectLocale(getenv),
		Hostname:   hostname,
		AppName:    app.Name,
		AppVersion: app.Version,
		AppBuild:   app.Build,
	}
}

func osName(goos string) string {
	switch goos {
	case "linux":
		return "Linux"
	case "darwin":
		return "macOS"
	case "windows":
		return "Windows"
	case "freebsd":
		return "FreeBSD"
	default:
		return goos
	}
}

// detectLocale returns the BCP 47 form of the first locale variable set,
// e.g. "en_US.UTF-8" becomes "en-US". The C and POSIX locales, and values
// that do not parse, yield "".
func detectLocale(getenv func(string) string) string {
	for _, key := range localeVariables {
		value := getenv(key)
		if value == "" {
			continue
		}
		return normalizeLocale(value)
	}
	return ""
}

func normalizeLocale(value string) string {
	if i := strings.IndexAny(value, ".@"); i >= 0 {
		value = value[:i]
	}
	if value == "" || value == "C" || value == "POSIX" {
		return ""
	}
	tag, err := language.Parse(strings.ReplaceAll(value, "_", "-"))
	if err != nil {
		return ""
	}
	return tag.String()
}
