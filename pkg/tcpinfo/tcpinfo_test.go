/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package tcpinfo

import (
	"reflect"
	"testing"

	"github.com/docker/docker/pkg/parsers/kernel"
)

// setBitfields packs the bitfield0/bitfield1 fields the way the kernel
// does, so tests can build a rawTCPInfo without a cgo helper (the
// teacher's mock_tcpinfo.go required a cgo header that was not retrieved
// alongside it; see DESIGN.md "Dropped teacher files").
func setBitfields(snd, rcv uint8, deliveryRateAppLimited bool, fastOpenClientFail uint8) (bitfield0, bitfield1 uint8) {
	bitfield0 = (snd & 0x0f) | (rcv << 4)
	bitfield1 = fastOpenClientFail << 1 & 0x6
	if deliveryRateAppLimited {
		bitfield1 |= 1
	}
	return
}

func TestRawTCPInfoUnpack(t *testing.T) {
	type fields struct {
		kernel                 kernel.VersionInfo
		SndWScale              uint8
		RcvWScale              uint8
		DeliveryRateAppLimited bool
		FastOpenClientFail     uint8
	}
	tests := []struct {
		name   string
		fields fields
		want   *TCPInfo
	}{
		{
			name: "zeros",
			fields: fields{
				kernel: kernel.VersionInfo{Kernel: minKernel, Major: minKernelMajor, Minor: minKernelMinor},
			},
			want: &TCPInfo{},
		},
		{
			name: "SndWScale1",
			fields: fields{
				kernel:    kernel.VersionInfo{Kernel: minKernel, Major: minKernelMajor, Minor: minKernelMinor},
				SndWScale: 1,
			},
			want: &TCPInfo{SndWScale: 1},
		},
		{
			name: "RcvWScale1",
			fields: fields{
				kernel:    kernel.VersionInfo{Kernel: minKernel, Major: minKernelMajor, Minor: minKernelMinor},
				RcvWScale: 1,
			},
			want: &TCPInfo{RcvWScale: 1},
		},
		{
			name: "SndWScaleF",
			fields: fields{
				kernel:    kernel.VersionInfo{Kernel: minKernel, Major: minKernelMajor, Minor: minKernelMinor},
				SndWScale: 0xf,
			},
			want: &TCPInfo{SndWScale: 0xf},
		},
		{
			name: "RcvWScaleF",
			fields: fields{
				kernel:    kernel.VersionInfo{Kernel: minKernel, Major: minKernelMajor, Minor: minKernelMinor},
				RcvWScale: 0xf,
			},
			want: &TCPInfo{RcvWScale: 0xf},
		},
		{
			name: "DeliveryRateAppLimited",
			fields: fields{
				kernel:                 kernel.VersionInfo{Kernel: minKernel, Major: minKernelMajor, Minor: minKernelMinor},
				DeliveryRateAppLimited: true,
			},
			want: &TCPInfo{DeliveryRateAppLimited: true},
		},
		{
			name: "FastOpenClientFail0",
			fields: fields{
				kernel: kernel.VersionInfo{Kernel: 5, Major: 5, Minor: 0},
			},
			want: &TCPInfo{FastOpenClientFail: NullableUint8{Valid: true, Value: 0}},
		},
		{
			name: "FastOpenClientFail1",
			fields: fields{
				kernel:             kernel.VersionInfo{Kernel: 5, Major: 5, Minor: 0},
				FastOpenClientFail: 1,
			},
			want: &TCPInfo{FastOpenClientFail: NullableUint8{Valid: true, Value: 1}},
		},
		{
			name: "FastOpenClientFail2",
			fields: fields{
				kernel:             kernel.VersionInfo{Kernel: 5, Major: 5, Minor: 0},
				FastOpenClientFail: 2,
			},
			want: &TCPInfo{FastOpenClientFail: NullableUint8{Valid: true, Value: 2}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw rawTCPInfo
			raw.bitfield0, raw.bitfield1 = setBitfields(
				tt.fields.SndWScale,
				tt.fields.RcvWScale,
				tt.fields.DeliveryRateAppLimited,
				tt.fields.FastOpenClientFail,
			)
			linuxKernelVersion = &tt.fields.kernel
			if got := raw.unpack(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("unpack() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckKernelVersion(t *testing.T) {
	old := linuxKernelVersion
	defer func() { linuxKernelVersion = old }()

	linuxKernelVersion = &kernel.VersionInfo{Kernel: 5, Major: 10, Minor: 0}

	tests := []struct {
		name             string
		k, major, minor  int
		want             bool
	}{
		{"exact match", 5, 10, 0, true},
		{"below current", 5, 4, 0, true},
		{"above current", 5, 15, 0, false},
		{"above current major kernel", 6, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CheckKernelVersion(tt.k, tt.major, tt.minor); got != tt.want {
				t.Errorf("CheckKernelVersion(%d,%d,%d) = %v, want %v", tt.k, tt.major, tt.minor, got, tt.want)
			}
		})
	}
}

func TestCheckKernelVersionNilVersionReportsFalse(t *testing.T) {
	old := linuxKernelVersion
	defer func() { linuxKernelVersion = old }()
	linuxKernelVersion = nil

	if CheckKernelVersion(5, 4, 0) {
		t.Fatalf("CheckKernelVersion with no detected kernel version should report false")
	}
}
