package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
)

// Color constants for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorYellow = "\033[33m"
	ColorGray   = "\033[37m"
	ColorCyan   = "\033[36m"
	ColorGreen  = "\033[32m"
	ColorPurple = "\033[35m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
)

// PrettyFormatter is a logrus.Formatter that outputs colorized,
// human-readable lines: time, level, caller, message, then key=value fields.
type PrettyFormatter struct {
	// DisableColors strips ANSI sequences, e.g. when writing to a file.
	DisableColors bool
}

// Format renders a single entry.
func (f *PrettyFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "%s %s",
		f.paint(ColorDim, entry.Time.Format("15:04:05.000")),
		f.formatLevel(entry.Level))

	if entry.HasCaller() {
		caller := fmt.Sprintf("%s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
		buf.WriteString(" " + f.paint(ColorDim, caller))
	}

	buf.WriteString(" " + f.paint(ColorBold, entry.Message))

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := entry.Data[k]
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			fmt.Fprintf(&buf, " %s=%s", f.paint(ColorPurple, k), f.paint(ColorCyan, fmt.Sprint(v)))
		}
	}

	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func (f *PrettyFormatter) paint(color, s string) string {
	if f.DisableColors {
		return s
	}
	return color + s + ColorReset
}

// formatLevel returns a colorized level tag
func (f *PrettyFormatter) formatLevel(level logrus.Level) string {
	var color, levelStr string

	switch level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		color, levelStr = ColorRed, "ERROR"
	case logrus.WarnLevel:
		color, levelStr = ColorYellow, "WARN "
	case logrus.InfoLevel:
		color, levelStr = ColorGreen, "INFO "
	case logrus.DebugLevel:
		color, levelStr = ColorCyan, "DEBUG"
	default:
		color, levelStr = ColorGray, "TRACE"
	}
	return f.paint(color, "["+levelStr+"]")
}

// LevelForVerbosity maps the -v count of the CLI to a level.
func LevelForVerbosity(verbose int) logrus.Level {
	switch {
	case verbose <= 0:
		return logrus.WarnLevel
	case verbose == 1:
		return logrus.InfoLevel
	case verbose == 2:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

// Setup configures the standard logrus logger.
func Setup(w io.Writer, level logrus.Level, json bool) {
	if w == nil {
		w = os.Stderr
	}
	logrus.SetOutput(w)
	logrus.SetLevel(level)
	logrus.SetReportCaller(level >= logrus.DebugLevel)
	if json {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	_, isFile := w.(*os.File)
	logrus.SetFormatter(&PrettyFormatter{DisableColors: !isFile})
}
