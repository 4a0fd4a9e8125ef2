//go:build !linux && !darwin

package crashpad

func osVersion() string { return "" }

func deviceModel() string { return "" }
