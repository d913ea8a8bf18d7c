// Package log wires up one btclog.Logger per subsystem, backed by a
// rotating log file plus stdout, in the style of the teacher's own
// subsystem-logger registry.
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// Subsystem tags, one per package that logs. Kept short and upper-cased to
// match the teacher's four-letter subsystem convention (LTND, PEER, RPCS, ...).
const (
	SubsystemSupervisor = "SUPV"
	SubsystemListener   = "LSTN"
	SubsystemHandler    = "HNDL"
	SubsystemBreaker    = "BRKR"
	SubsystemCursor     = "CURS"
	SubsystemAzero      = "AZRO"
	SubsystemEth        = "ETHC"
	SubsystemSigner     = "SGNR"
	SubsystemAdmin      = "ADMN"
)

var subsystems = []string{
	SubsystemSupervisor,
	SubsystemListener,
	SubsystemHandler,
	SubsystemBreaker,
	SubsystemCursor,
	SubsystemAzero,
	SubsystemEth,
	SubsystemSigner,
	SubsystemAdmin,
}

// loggers holds one btclog.Logger per subsystem, populated by InitLogRotator
// and queried by Logger. Subsystems default to btclog.Disabled until
// InitLogRotator is called, so packages used outside this binary (tests,
// library callers) never write to stdout/disk unless asked to.
var loggers = func() map[string]btclog.Logger {
	m := make(map[string]btclog.Logger, len(subsystems))
	for _, s := range subsystems {
		m[s] = btclog.Disabled
	}
	return m
}()

// Logger returns the configured logger for subsystem, or btclog.Disabled if
// InitLogRotator has not been called or the subsystem is unknown.
func Logger(subsystem string) btclog.Logger {
	if l, ok := loggers[subsystem]; ok {
		return l
	}
	return btclog.Disabled
}

// logWriter tees every log line to stdout and the rotating file, the same
// two sinks the teacher's own log.go writes to.
type logWriter struct {
	rotator *rotator.Rotator
}

func (w logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	return w.rotator.Write(p)
}

// InitLogRotator opens (creating if needed) a rotating log file at logDir
// and attaches a btclog backend writing to both that file and stdout, then
// sets every subsystem's level from spec: either a single level applied to
// all subsystems, or a comma-separated "subsystem=level,..." list, matching
// the teacher's --debuglevel flag semantics.
func InitLogRotator(logDir, spec string) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log directory %s: %w", logDir, err)
	}
	logFile := filepath.Join(logDir, "relayer.log")

	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("open rotating log file %s: %w", logFile, err)
	}

	backend := btclog.NewBackend(logWriter{rotator: r})

	for _, s := range subsystems {
		loggers[s] = backend.Logger(s)
	}

	return SetLevels(spec)
}

// SetLevels parses spec (either a single level or a
// "subsystem=level,subsystem=level,..." list) and applies it to the
// matching subsystem loggers. InitLogRotator calls it once at startup;
// the admin server has no endpoint that calls it.
func SetLevels(spec string) error {
	if spec == "" {
		return nil
	}

	if !strings.Contains(spec, "=") {
		level, ok := btclog.LevelFromString(spec)
		if !ok {
			return fmt.Errorf("unknown log level %q", spec)
		}
		for _, s := range subsystems {
			loggers[s].SetLevel(level)
		}
		return nil
	}

	for _, pair := range strings.Split(spec, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("malformed debuglevel entry %q", pair)
		}
		subsystem, levelStr := strings.ToUpper(parts[0]), parts[1]
		level, ok := btclog.LevelFromString(levelStr)
		if !ok {
			return fmt.Errorf("unknown log level %q for subsystem %s", levelStr, subsystem)
		}
		l, ok := loggers[subsystem]
		if !ok {
			return fmt.Errorf("unknown subsystem %q", subsystem)
		}
		l.SetLevel(level)
	}
	return nil
}
