package crashpad

import "golang.org/x/sys/unix"

// osVersion returns the macOS product version (e.g. "14.4.1"), falling back
// to the Darwin kernel release.
func osVersion() string {
	if version, err := unix.Sysctl("kern.osproductversion"); err == nil && version != "" {
		return version
	}
	var utsname unix.Utsname
	if err := unix.Uname(&utsname); err != nil {
		return ""
	}
	return unix.ByteSliceToString(utsname.Release[:])
}

func deviceModel() string {
	model, err := unix.Sysctl("hw.model")
	if err != nil {
		return ""
	}
	return model
}
