package tcpsnitch

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/lamelshaikh/tcpsnitch/pkg/config"
)

// state is the process-wide singleton described in spec.md §4.7: config
// snapshot, descriptor table, id counter, and the per-process output
// directory. It is guarded by initMu for the init/reset transitions and by
// idMu for the counter; the descriptor table has its own internal locking.
var (
	initMu         sync.Mutex
	initDone       bool
	initFailed     bool
	idMu           sync.Mutex
	nextID         int
	table          = newDescTable()
	cfg            config.Config
	outputDir      string
	atexitHandlers []func()
	log            = logrus.StandardLogger()
)

// Init is idempotent per spec.md §4.7: re-invoking it after a successful
// init is a no-op. It is guarded by initMu as the idiomatic substitute for
// an error-checking mutex (Go's sync.Mutex has no native notion of a
// "previously failed" state, hence the explicit initFailed flag alongside
// it).
func Init() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initDone {
		return nil
	}

	cfg = config.Load()

	dir, err := claimOutputDir(cfg.LogDir)
	if err != nil {
		// Degraded mode per spec.md §4.7: events still accumulate in
		// memory (flushEvents will simply fail and log, per flush.go),
		// but nothing about interception itself is disabled.
		log.WithError(err).Error("tcpsnitch: could not claim output directory, continuing in degraded mode")
		initFailed = true
		initDone = true
		return err
	}
	outputDir = dir

	logFile, err := os.OpenFile(outputDir+"/main.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.WithError(err).Warn("tcpsnitch: could not open main.log, logging to stderr only")
	} else {
		log.SetOutput(logFile)
		flushLog = log
	}

	initDone = true
	return nil
}

// claimOutputDir scans <base>/0, <base>/1, ... for the first non-existent
// integer directory and creates it, per spec.md §4.7.
func claimOutputDir(base string) (string, error) {
	if err := os.MkdirAll(base, 0777); err != nil {
		return "", fmt.Errorf("tcpsnitch: create base dir %s: %w", base, err)
	}
	for n := 0; ; n++ {
		candidate := fmt.Sprintf("%s/%d", base, n)
		err := os.Mkdir(candidate, 0777)
		if err == nil {
			return candidate, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("tcpsnitch: create %s: %w", candidate, err)
		}
	}
}

// RunAtExit drains and invokes every handler registered via
// registerAtExit, then sweeps the descriptor table synthesizing a close
// event (detected=true, return_value=0) for every still-live connection,
// per spec.md §4.7/§8 scenario 6. Callers install this as their own
// atexit-equivalent (cmd/snitchdemo does so via defer; there is no
// portable Go hook for process-exit outside of an explicit call).
func RunAtExit() {
	initMu.Lock()
	handlers := atexitHandlers
	atexitHandlers = nil
	initMu.Unlock()

	for _, h := range handlers {
		h()
	}

	for _, conn := range table.snapshotConns() {
		c := table.remove(conn.FD)
		if c == nil {
			continue
		}
		recordClose(c, recorderConfigFromCfg(), 0, nil, true)
		metricsRemove(c)
		if c.CaptureHandle != nil {
			c.CaptureHandle.Stop(2 * c.RTT)
			c.CaptureHandle = nil
		}
	}
}

func registerAtExit(fn func()) {
	initMu.Lock()
	atexitHandlers = append(atexitHandlers, fn)
	initMu.Unlock()
}

// Reset drops all library state after a fork, per spec.md §4.7/§8 scenario
// "fork": the child gets a fresh connection-id counter and a fresh output
// directory on the next call that triggers Init, without synthesizing
// close events for descriptors inherited from the parent.
func Reset() {
	initMu.Lock()
	defer initMu.Unlock()
	table.reset()
	idMu.Lock()
	nextID = 0
	idMu.Unlock()
	outputDir = ""
	initDone = false
	initFailed = false
	atexitHandlers = nil
	log = logrus.StandardLogger()
	flushLog = log
	metricsMu.Lock()
	metricsCollector = nil
	metricsMu.Unlock()
}

func nextConnID() int {
	idMu.Lock()
	defer idMu.Unlock()
	id := nextID
	nextID++
	return id
}

func newXID() string {
	return xid.New().String()
}

func connDir(id int) string {
	return fmt.Sprintf("%s/%d", outputDir, id)
}

func recorderConfigFromCfg() recorderConfig {
	return recorderConfig{
		DumpEveryBytes:  cfg.DumpEveryBytes,
		DumpEveryMicros: cfg.DumpEveryMicros,
		DumpEveryEvents: cfg.DumpEveryEvents,
	}
}
