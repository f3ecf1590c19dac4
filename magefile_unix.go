//go:build mage && !windows
// +build mage,!windows

package main

import (
	"syscall"
)

// raise the fd limit, the loopback tests open a lot of sockets
func setULimit() error {
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return err
	}
	rLimit.Max = 10000
	rLimit.Cur = 10000
	return syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
}
