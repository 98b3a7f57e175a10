//go:build !linux

package tcpsnitch

import "errors"

// ErrForkUnsupported is returned by Fork on platforms where this module
// does not implement the raw fork(2) wrapper.
var ErrForkUnsupported = errors.New("tcpsnitch: fork is not supported on this platform")

func Fork() (pid int, err error) {
	return 0, ErrForkUnsupported
}
