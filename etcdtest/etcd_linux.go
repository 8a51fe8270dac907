//go:build linux

package etcdtest

import "syscall"

// getSysProcAttr delivers SIGTERM to `etcd` if this process dies, so that a
// wrapping `go test` doesn't hang awaiting the child's exit.
var getSysProcAttr = func() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}
