//go:build !unix && !windows

package tree

func crossDevice(error) bool { return false }
