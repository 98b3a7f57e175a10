package config

import "testing"

// fakeSource is a Source that returns canned values, so tests can exercise
// LoadFrom's fallback rules without touching real process environment
// variables (Load() itself always goes through viper's AutomaticEnv).
type fakeSource struct {
	int64s  map[string]int64
	ints    map[string]int
	bools   map[string]bool
	strings map[string]string
}

func (f fakeSource) GetInt64(key string, def int64) int64 {
	if v, ok := f.int64s[key]; ok {
		return v
	}
	return def
}

func (f fakeSource) GetInt(key string, def int) int {
	if v, ok := f.ints[key]; ok {
		return v
	}
	return def
}

func (f fakeSource) GetBool(key string, def bool) bool {
	if v, ok := f.bools[key]; ok {
		return v
	}
	return def
}

func (f fakeSource) GetString(key string, def string) string {
	if v, ok := f.strings[key]; ok {
		return v
	}
	return def
}

func TestLoadFromUsesDefaultsWhenSourceEmpty(t *testing.T) {
	got := LoadFrom(fakeSource{})
	want := Defaults()
	if got != want {
		t.Fatalf("LoadFrom(empty source) = %+v, want defaults %+v", got, want)
	}
}

func TestLoadFromOverridesDefaults(t *testing.T) {
	src := fakeSource{
		int64s:  map[string]int64{keyDumpEveryBytes: 4096},
		ints:    map[string]int{keyDumpEveryEvents: 20},
		bools:   map[string]bool{keyCaptureEnabled: true},
		strings: map[string]string{keyLogDir: "/var/log/tcpsnitch"},
	}
	got := LoadFrom(src)

	if got.DumpEveryBytes != 4096 {
		t.Errorf("DumpEveryBytes = %d, want 4096", got.DumpEveryBytes)
	}
	if got.DumpEveryEvents != 20 {
		t.Errorf("DumpEveryEvents = %d, want 20", got.DumpEveryEvents)
	}
	if !got.CaptureEnabled {
		t.Errorf("CaptureEnabled = false, want true")
	}
	if got.LogDir != "/var/log/tcpsnitch" {
		t.Errorf("LogDir = %q, want /var/log/tcpsnitch", got.LogDir)
	}
}

func TestLoadFromClampsDumpEveryEventsAboveZero(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"zero falls back to one", 0, 1},
		{"negative falls back to one", -5, 1},
		{"positive passes through", 7, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := fakeSource{ints: map[string]int{keyDumpEveryEvents: tt.in}}
			got := LoadFrom(src)
			if got.DumpEveryEvents != tt.want {
				t.Errorf("DumpEveryEvents = %d, want %d", got.DumpEveryEvents, tt.want)
			}
		})
	}
}

func TestLoadFromClampsLogLevels(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"below range clamps to 0", -1, 0},
		{"above range clamps to 5", 9, 5},
		{"in range passes through", 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := fakeSource{ints: map[string]int{keyLogLevelFile: tt.in}}
			got := LoadFrom(src)
			if got.LogLevelFile != tt.want {
				t.Errorf("LogLevelFile = %d, want %d", got.LogLevelFile, tt.want)
			}
		})
	}
}

func TestViperSourceFallsBackOnNonIntegerValue(t *testing.T) {
	src := newViperSource()
	t.Setenv("TCPSNITCH_DUMP_EVERY_BYTES", "not-a-number")
	if got := src.GetInt64(keyDumpEveryBytes, 42); got != 42 {
		t.Fatalf("GetInt64 with a non-integer env value = %d, want the default 42", got)
	}
}

func TestViperSourceReadsIntegerEnvValue(t *testing.T) {
	src := newViperSource()
	t.Setenv("TCPSNITCH_DUMP_EVERY_BYTES", "1024")
	if got := src.GetInt64(keyDumpEveryBytes, 42); got != 1024 {
		t.Fatalf("GetInt64 = %d, want 1024", got)
	}
}

func TestViperSourceMissingEnvFallsBackToDefault(t *testing.T) {
	src := newViperSource()
	if got := src.GetString(keyLogDir, "/tmp/fallback"); got != "/tmp/fallback" {
		t.Fatalf("GetString with no env set = %q, want the default", got)
	}
}
