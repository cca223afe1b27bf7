package dvid

import (
	"fmt"
	"log"
	"sync"

	"github.com/natefinch/lumberjack"
)

type stdLogger struct {
	mu sync.Mutex
	lj *lumberjack.Logger
}

var logger = &stdLogger{}

// LogConfig is the [logging] section of a viewer configuration file.
type LogConfig struct {
	Logfile string
	MaxSize int  `toml:"max_log_size"`
	MaxAge  int  `toml:"max_log_age"`
	Verbose bool `toml:"verbose"`
}

// SetLogger creates a logger that saves to a rotating log file.  If no log file
// is given, messages go to the standard log package output.
func (c *LogConfig) SetLogger() {
	if c != nil && c.Verbose {
		Verbose = true
		SetLogMode(DebugMode)
	}
	if c == nil || c.Logfile == "" {
		Infof("Sending log messages to stdout since no log file specified.\n")
		return
	}
	fmt.Printf("Sending log messages to: %s\n", c.Logfile)
	l := &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize, // megabytes
		MaxAge:   c.MaxAge,  // days
	}
	log.SetOutput(l)
	logger.mu.Lock()
	logger.lj = l
	logger.mu.Unlock()
}

// --- Logger implementation ----

func (slog *stdLogger) Debugf(format string, args ...interface{}) {
	log.Printf("   DEBUG "+format, args...)
}

func (slog *stdLogger) Infof(format string, args ...interface{}) {
	log.Printf("    INFO "+format, args...)
}

func (slog *stdLogger) Warningf(format string, args ...interface{}) {
	log.Printf(" WARNING "+format, args...)
}

func (slog *stdLogger) Errorf(format string, args ...interface{}) {
	log.Printf("   ERROR "+format, args...)
}

func (slog *stdLogger) Criticalf(format string, args ...interface{}) {
	log.Printf("CRITICAL "+format, args...)
}

func (slog *stdLogger) Shutdown() {
	slog.mu.Lock()
	defer slog.mu.Unlock()
	if slog.lj != nil {
		log.Printf("Closing log file...\n")
		slog.lj.Close()
		slog.lj = nil
	}
}
