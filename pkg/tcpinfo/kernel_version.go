//go:build linux

/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package tcpinfo

import (
	"github.com/docker/docker/pkg/parsers/kernel"
	"github.com/sirupsen/logrus"
)

// minKernel is the oldest kernel this package has been checked against;
// older kernels may still answer getsockopt(TCP_INFO) but some fields
// (e.g. FastOpenClientFail, added v5.5) will be reported as absent.
const minKernel = 5
const minKernelMajor = 4
const minKernelMinor = 0

var linuxKernelVersion *kernel.VersionInfo

func init() {
	v, err := kernel.GetKernelVersion()
	if err != nil {
		// Per spec.md §7, a configuration/environment problem degrades the
		// library rather than aborting the host process.
		logrus.WithError(err).Warn("tcpinfo: could not determine kernel version, assuming minimum supported")
		v = &kernel.VersionInfo{Kernel: minKernel, Major: minKernelMajor, Minor: minKernelMinor}
	}
	linuxKernelVersion = v

	if !CheckKernelVersion(minKernel, minKernelMajor, minKernelMinor) {
		logrus.Warnf("tcpinfo: kernel %d.%d.%d is older than the minimum checked version %d.%d.%d; some tcp_info fields may be unavailable",
			v.Kernel, v.Major, v.Minor, minKernel, minKernelMajor, minKernelMinor)
	}
}

// CheckKernelVersion reports whether the running kernel is at least
// k.major.minor.
func CheckKernelVersion(k, major, minor int) bool {
	if linuxKernelVersion == nil {
		return false
	}
	return kernel.CompareKernelVersion(*linuxKernelVersion, kernel.VersionInfo{Kernel: k, Major: major, Minor: minor}) >= 0
}
