// Package config loads the read-once configuration snapshot described in
// spec.md §3/§4.8 from environment variables, using
// github.com/spf13/viper the way nabbar-golib wires env-driven
// configuration throughout that repo. Unknown/missing variables and
// non-integer values where integers are expected fall back to the
// documented default.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config is the immutable-after-init snapshot from spec.md §3.
type Config struct {
	DumpEveryBytes   int64
	DumpEveryMicros  int64
	DumpEveryEvents  int
	CaptureEnabled   bool
	LogDir           string
	LogLevelFile     int
	LogLevelStderr   int
	CaptureDevice    string
	VerboseAndroid   bool
}

const envPrefix = "TCPSNITCH"

const (
	keyDumpEveryBytes  = "dump_every_bytes"
	keyDumpEveryMicros = "dump_every_micros"
	keyDumpEveryEvents = "dump_every_events"
	keyCaptureEnabled  = "capture_enabled"
	keyLogDir          = "log_dir"
	keyLogLevelFile    = "log_level_file"
	keyLogLevelStderr  = "log_level_stderr"
	keyCaptureDevice   = "capture_device"
	keyVerboseAndroid  = "verbose"
)

// Source abstracts where configuration values come from. Load() uses an
// environment-backed Source. The Android variant (device properties, out
// of scope per spec.md's Non-goals) is expected to provide its own Source
// implementation behind a //go:build android file; none is shipped here.
type Source interface {
	GetInt64(key string, def int64) int64
	GetInt(key string, def int) int
	GetBool(key string, def bool) bool
	GetString(key string, def string) string
}

type viperSource struct{ v *viper.Viper }

func newViperSource() *viperSource {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &viperSource{v: v}
}

// GetInt64/GetInt fall back to def on a missing or non-integer value, per
// spec.md §4.8. GetBool/GetString fall back to def only on a missing
// (empty) value; GetBool reads any other unparseable value as false.

func (s *viperSource) GetInt64(key string, def int64) int64 {
	raw := s.v.GetString(key)
	if raw == "" {
		return def
	}
	n := s.v.GetInt64(key)
	if n == 0 && raw != "0" {
		return def
	}
	return n
}

func (s *viperSource) GetInt(key string, def int) int {
	return int(s.GetInt64(key, int64(def)))
}

func (s *viperSource) GetBool(key string, def bool) bool {
	raw := s.v.GetString(key)
	if raw == "" {
		return def
	}
	return s.v.GetBool(key)
}

func (s *viperSource) GetString(key string, def string) string {
	raw := s.v.GetString(key)
	if raw == "" {
		return def
	}
	return raw
}

// Defaults mirror spec.md §3: byte/micros triggers disabled (0), a
// moderate event-count flush threshold, capture off, logging at an
// informational level, and an output directory under /tmp so a fresh
// checkout runs without extra setup.
func Defaults() Config {
	return Config{
		DumpEveryBytes:  0,
		DumpEveryMicros: 0,
		DumpEveryEvents: 50,
		CaptureEnabled:  false,
		LogDir:          "/tmp/tcpsnitch",
		LogLevelFile:    3,
		LogLevelStderr:  1,
		CaptureDevice:   "",
		VerboseAndroid:  false,
	}
}

// Load reads the snapshot from the process environment. Other key/value
// providers (such as an Android property store) go through LoadFrom.
func Load() Config {
	return LoadFrom(newViperSource())
}

// LoadFrom builds a Config from an arbitrary Source, so callers (tests,
// the Android variant) can substitute their own key/value provider.
func LoadFrom(src Source) Config {
	def := Defaults()
	return Config{
		DumpEveryBytes:  src.GetInt64(keyDumpEveryBytes, def.DumpEveryBytes),
		DumpEveryMicros: src.GetInt64(keyDumpEveryMicros, def.DumpEveryMicros),
		DumpEveryEvents: max1(src.GetInt(keyDumpEveryEvents, def.DumpEveryEvents)),
		CaptureEnabled:  src.GetBool(keyCaptureEnabled, def.CaptureEnabled),
		LogDir:          src.GetString(keyLogDir, def.LogDir),
		LogLevelFile:    clampLevel(src.GetInt(keyLogLevelFile, def.LogLevelFile)),
		LogLevelStderr:  clampLevel(src.GetInt(keyLogLevelStderr, def.LogLevelStderr)),
		CaptureDevice:   src.GetString(keyCaptureDevice, def.CaptureDevice),
		VerboseAndroid:  src.GetBool(keyVerboseAndroid, def.VerboseAndroid),
	}
}

// max1 enforces dump_every_events > 0 per spec.md §3.
func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func clampLevel(n int) int {
	if n < 0 {
		return 0
	}
	if n > 5 {
		return 5
	}
	return n
}
