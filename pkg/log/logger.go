package log

import (
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// NoCluster is the cluster field value used before a cluster is selected.
const NoCluster = "<cardice>"

// GetLevel maps a --log-level value to a logrus level. WARNING and CRITICAL
// are accepted as aliases of warn and fatal.
func GetLevel(name string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return log.InfoLevel, nil
	case "warning":
		return log.WarnLevel, nil
	case "critical":
		return log.FatalLevel, nil
	}
	return log.ParseLevel(name)
}

// IsDebug reports whether errors should be shown with full detail.
func IsDebug(level log.Level) bool {
	return level >= log.DebugLevel
}

// New creates the root logger entry for a command invocation.
func New(out io.Writer, level log.Level) *log.Entry {
	logger := log.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	logger.SetFormatter(&log.TextFormatter{
		DisableTimestamp: level < log.DebugLevel,
	})
	return log.NewEntry(logger)
}

// WithCluster tags every entry with the cluster it operates on.
func WithCluster(logger *log.Entry, cluster string) *log.Entry {
	if cluster == "" {
		cluster = NoCluster
	}
	return logger.WithField("cluster", cluster)
}
