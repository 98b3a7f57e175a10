package kernel

import "testing"

func TestParseRelease(t *testing.T) {
	tests := []struct {
		name    string
		release string
		want    VersionInfo
	}{
		{
			name:    "ubuntu style",
			release: "5.15.0-76-generic",
			want:    VersionInfo{Kernel: 5, Major: 15, Minor: 0, Flavor: "-76-generic"},
		},
		{
			name:    "no flavor",
			release: "6.1.0",
			want:    VersionInfo{Kernel: 6, Major: 1, Minor: 0},
		},
		{
			name:    "trailing NUL from a fixed-size uname buffer",
			release: "5.5.0\x00\x00\x00",
			want:    VersionInfo{Kernel: 5, Major: 5, Minor: 0},
		},
		{
			name:    "missing minor",
			release: "4.9",
			want:    VersionInfo{Kernel: 4, Major: 9, Minor: 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRelease(tt.release)
			if err != nil {
				t.Fatalf("ParseRelease(%q): %v", tt.release, err)
			}
			if *got != tt.want {
				t.Errorf("ParseRelease(%q) = %+v, want %+v", tt.release, *got, tt.want)
			}
		})
	}
}

func TestParseReleaseRejectsEmpty(t *testing.T) {
	if _, err := ParseRelease(""); err == nil {
		t.Fatalf("ParseRelease(\"\") should fail")
	}
}

func TestCompareKernelVersion(t *testing.T) {
	tests := []struct {
		name string
		a, b VersionInfo
		want int
	}{
		{"equal", VersionInfo{5, 5, 0, ""}, VersionInfo{5, 5, 0, ""}, 0},
		{"lower major", VersionInfo{5, 4, 0, ""}, VersionInfo{5, 5, 0, ""}, -1},
		{"higher major", VersionInfo{5, 6, 0, ""}, VersionInfo{5, 5, 0, ""}, 1},
		{"lower kernel wins over major/minor", VersionInfo{4, 20, 0, ""}, VersionInfo{5, 0, 0, ""}, -1},
		{"lower minor", VersionInfo{5, 5, 0, ""}, VersionInfo{5, 5, 1, ""}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompareKernelVersion(tt.a, tt.b); got != tt.want {
				t.Errorf("CompareKernelVersion(%+v, %+v) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestVersionInfoString(t *testing.T) {
	v := VersionInfo{Kernel: 5, Major: 15, Minor: 0, Flavor: "-76-generic"}
	if got, want := v.String(), "5.15.0-76-generic"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
