package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const defaultTimestampFormat = "2006-01-02 15:04:05"

// BracketFormatter renders entries as
// "[time] [LEVEL] [file:line] message key=value ..."
type BracketFormatter struct {
	TimestampFormat string
}

// Format implements logrus.Formatter
func (f *BracketFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	layout := f.TimestampFormat
	if layout == "" {
		layout = defaultTimestampFormat
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "[%s] [%s]", entry.Time.Format(layout), strings.ToUpper(entry.Level.String()))
	if entry.HasCaller() {
		fmt.Fprintf(&b, " [%s:%d]", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	b.WriteByte(' ')
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// Init configures the package-level logrus logger used across the bot and
// returns it
func Init(level, output string) (*logrus.Logger, error) {
	logger := logrus.StandardLogger()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)
	logger.SetReportCaller(true)
	logger.SetFormatter(&BracketFormatter{TimestampFormat: defaultTimestampFormat})

	var writers []io.Writer
	writers = append(writers, os.Stdout)

	if output != "" && output != "stdout" {
		dir := filepath.Dir(output)
		if dir != "." && dir != ".." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}

		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		writers = append(writers, file)
	}

	logger.SetOutput(io.MultiWriter(writers...))

	return logger, nil
}
