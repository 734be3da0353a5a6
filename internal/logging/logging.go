// Package logging configures the process-wide logrus logger.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// Setup applies level and format to the standard logrus logger. format is
// "console" (default) or "json".
func Setup(level, format string, out io.Writer) error {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	if out != nil {
		log.SetOutput(out)
	}
	switch strings.ToLower(format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: timestampFormat})
	case "", "console":
		log.SetFormatter(&ConsoleFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// ConsoleFormatter renders "time LEVEL message key=value ..." with the
// level colourised.
type ConsoleFormatter struct{}

func (f *ConsoleFormatter) Format(e *log.Entry) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(e.Time.Format(timestampFormat))
	b.WriteByte(' ')
	b.WriteString(levelLabel(e.Level))
	b.WriteByte(' ')
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", color.CyanString(k), e.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func levelLabel(l log.Level) string {
	s := strings.ToUpper(l.String())
	if len(s) > 4 {
		s = s[:4]
	}
	switch l {
	case log.DebugLevel, log.TraceLevel:
		return color.MagentaString(s)
	case log.InfoLevel:
		return color.BlueString(s)
	case log.WarnLevel:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}
