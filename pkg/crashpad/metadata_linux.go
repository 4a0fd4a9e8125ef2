package crashpad

import (
	"bufio"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Per freedesktop.org, /usr/lib/os-release is the fallback location.
var osReleasePaths = []string{"/etc/os-release", "/usr/lib/os-release"}

var dmiProductNamePath = "/sys/class/dmi/id/product_name"

// osVersion prefers the distribution VERSION_ID and falls back to the
// kernel release.
func osVersion() string {
	for _, path := range osReleasePaths {
		if version := readOSReleaseKey(path, "VERSION_ID"); version != "" {
			return version
		}
	}
	return kernelRelease()
}

func deviceModel() string {
	data, err := os.ReadFile(dmiProductNamePath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// readOSReleaseKey returns the unquoted value of key in an os-release file.
//
//	NAME="Ubuntu"
//	VERSION_ID="22.04"
func readOSReleaseKey(path, key string) string {
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok || k != key {
			continue
		}
		return strings.Trim(v, `"'`)
	}
	return ""
}

func kernelRelease() string {
	var utsname unix.Utsname
	if err := unix.Uname(&utsname); err != nil {
		return ""
	}
	return unix.ByteSliceToString(utsname.Release[:])
}
