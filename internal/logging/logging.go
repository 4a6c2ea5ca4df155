// Package logging builds Switchboard's single process-wide logger (spec
// §9's "process-wide singletons become values passed by reference", applied
// to the logger too). Grounded on log.py's DEFAULT_LOG_SETTINGS (stdout +
// file handlers sharing one format string) and on
// aldrin-isaac-newtron's pkg/util/log.go for the logrus setup itself, with
// an optional GELF hook lifted from malindarathnayake-LibraFlux's
// observability package.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/Graylog2/go-gelf/gelf"
	"github.com/sirupsen/logrus"
)

// timestampFormat mirrors log.py's "%(asctime)s" default (comma-separated
// milliseconds, no timezone).
const timestampFormat = "2006-01-02 15:04:05,000"

// New builds the process logger: text-formatted, writing to stdout and,
// if logFilePath is non-empty, also appending to that file (log.py's
// 'file'+'stdout' handlers, minus the rotation policy — this module has no
// rotation dependency in its stack). gelfAddress is the config's
// logging.gelf_address sub-key (spec §4.J); when set, every log entry is
// additionally shipped to that GELF UDP endpoint.
func New(level, logFilePath, gelfAddress string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)

	out := io.Writer(os.Stdout)
	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file %q: %w", logFilePath, err)
		}
		out = io.MultiWriter(os.Stdout, f)
	}
	log.SetOutput(out)

	if gelfAddress != "" {
		writer, err := gelf.NewUDPWriter(gelfAddress)
		if err != nil {
			return nil, fmt.Errorf("connecting to gelf address %q: %w", gelfAddress, err)
		}
		writer.Facility = "switchboard"
		log.AddHook(newGelfHook(writer))
	}

	return log, nil
}

// gelfHook adapts a gelf.Writer to logrus.Hook.
type gelfHook struct {
	writer   gelf.Writer
	hostname string
}

func newGelfHook(writer gelf.Writer) *gelfHook {
	hostname, _ := os.Hostname()
	return &gelfHook{writer: writer, hostname: hostname}
}

func (h *gelfHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

var logrusToGelfLevel = map[logrus.Level]int32{
	logrus.PanicLevel: 2,
	logrus.FatalLevel: 2,
	logrus.ErrorLevel: 3,
	logrus.WarnLevel:  4,
	logrus.InfoLevel:  6,
	logrus.DebugLevel: 7,
	logrus.TraceLevel: 7,
}

func (h *gelfHook) Fire(entry *logrus.Entry) error {
	extra := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		if k == "" {
			continue
		}
		extra["_"+k] = v
	}
	msg := &gelf.Message{
		Version:  "1.1",
		Host:     h.hostname,
		Short:    entry.Message,
		TimeUnix: float64(entry.Time.UnixNano()) / 1e9,
		Level:    logrusToGelfLevel[entry.Level],
		Facility: "switchboard",
		Extra:    extra,
	}
	return h.writer.WriteMessage(msg)
}
