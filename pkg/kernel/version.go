// Package kernel provides a small, uname(2)-based kernel version detector,
// independent of pkg/tcpinfo's own docker/pkg/parsers/kernel-based check.
// It is grounded on runZeroInc-sockstats/pkg/kernel/kernel_unix.go, which
// ships a real unix.Uname implementation the sibling conniver package
// never completed (conniver only carried the "unsupported platform"
// fallback and relied on docker's /proc-based lookup instead).
package kernel

import (
	"fmt"
	"strconv"
	"strings"
)

// VersionInfo holds parsed release information, e.g. "5.15.0-76-generic"
// parses to {Kernel: 5, Major: 15, Minor: 0, Flavor: "-76-generic"}.
type VersionInfo struct {
	Kernel int
	Major  int
	Minor  int
	Flavor string
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("%d.%d.%d%s", v.Kernel, v.Major, v.Minor, v.Flavor)
}

// ParseRelease parses a uname release string into a VersionInfo. Unknown
// or malformed leading components default to zero rather than erroring,
// since this feeds a best-effort capability check, not a hard
// compatibility gate.
func ParseRelease(release string) (*VersionInfo, error) {
	release = strings.TrimRight(release, "\x00")
	parts := strings.SplitN(release, "-", 2)
	numeric := parts[0]
	flavor := ""
	if len(parts) == 2 {
		flavor = "-" + parts[1]
	}

	fields := strings.SplitN(numeric, ".", 3)
	if len(fields) == 0 || fields[0] == "" {
		return nil, fmt.Errorf("kernel: empty release string")
	}

	v := &VersionInfo{Flavor: flavor}
	nums := [3]*int{&v.Kernel, &v.Major, &v.Minor}
	for i, f := range fields {
		if i >= len(nums) {
			break
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			break
		}
		*nums[i] = n
	}
	return v, nil
}

// CompareKernelVersion returns -1, 0, or 1 as a compares below, equal to,
// or above b, comparing Kernel, then Major, then Minor.
func CompareKernelVersion(a, b VersionInfo) int {
	if d := a.Kernel - b.Kernel; d != 0 {
		return sign(d)
	}
	if d := a.Major - b.Major; d != 0 {
		return sign(d)
	}
	return sign(a.Minor - b.Minor)
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// CheckKernelVersion reports whether the running kernel is at least
// k.major.minor.
func CheckKernelVersion(k, major, minor int) (bool, error) {
	v, err := GetKernelVersion()
	if err != nil {
		return false, err
	}
	return CompareKernelVersion(*v, VersionInfo{Kernel: k, Major: major, Minor: minor}) >= 0, nil
}
