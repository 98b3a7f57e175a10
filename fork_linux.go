//go:build linux

package tcpsnitch

import "syscall"

// Fork wraps fork(2) directly via syscall.Syscall, the same
// syscall.SyscallN-by-number idiom pkg/tcpinfo.GetTCPInfo uses for
// getsockopt(2): there is no higher-level portable fork primitive in
// golang.org/x/sys/unix, since forking a multi-threaded Go runtime is
// inherently unsafe outside of this narrow, immediately-exec-or-exit use.
// In the child, Reset is called before returning so the child never
// inherits the parent's descriptor table or output directory, per
// spec.md §4.7/§8's fork scenario.
func Fork() (pid int, err error) {
	r1, _, errno := syscall.Syscall(syscall.SYS_FORK, 0, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	if r1 == 0 {
		Reset()
		return 0, nil
	}
	return int(r1), nil
}
