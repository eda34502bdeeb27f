package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	peerID     string
	peerIDOnce sync.Once

	loggerMu sync.RWMutex
	logger   *zap.SugaredLogger
)

func init() {
	logger = newLogger("info", "text")
}

// Init rebuilds the process logger from the configured level ("debug", "info",
// "warn", "error") and format ("text" or "json").
func Init(level, format string) {
	l := newLogger(level, format)

	loggerMu.Lock()
	old := logger
	logger = l
	loggerMu.Unlock()

	_ = old.Sync()
}

func newLogger(level, format string) *zap.SugaredLogger {
	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		lvl = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if strings.EqualFold(format, "json") {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(lvl))
	return zap.New(core).Sugar().With("peer", GetPeerID())
}

func current() *zap.SugaredLogger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// GetPeerID returns the identity attached to every log line of this process.
func GetPeerID() string {
	peerIDOnce.Do(func() {
		// PEER_ID allows a fixed identity, then POD_NAME, then HOSTNAME
		peerID = os.Getenv("PEER_ID")
		if peerID == "" {
			peerID = os.Getenv("POD_NAME")
		}
		if peerID == "" {
			peerID = os.Getenv("HOSTNAME")
		}
		if peerID == "" {
			hostname, _ := os.Hostname()
			if hostname != "" {
				if len(hostname) > 8 {
					peerID = hostname[len(hostname)-8:]
				} else {
					peerID = hostname
				}
			} else {
				peerID = "unknown"
			}
		}
	})
	return peerID
}

// Logf logs a formatted message at info level.
func Logf(format string, v ...interface{}) {
	current().Infof(format, v...)
}

// Log logs a message at info level.
func Log(v ...interface{}) {
	current().Info(fmt.Sprint(v...))
}

// Debugf logs a formatted message at debug level.
func Debugf(format string, v ...interface{}) {
	current().Debugf(format, v...)
}

// Warnf logs a formatted message at warn level.
func Warnf(format string, v ...interface{}) {
	current().Warnf(format, v...)
}

// Errorf logs a formatted message at error level.
func Errorf(format string, v ...interface{}) {
	current().Errorf(format, v...)
}

// Fatalf logs a fatal error and exits.
func Fatalf(format string, v ...interface{}) {
	current().Fatalf(format, v...)
}

// Flush writes any buffered log entries.
func Flush() {
	_ = current().Sync()
}
