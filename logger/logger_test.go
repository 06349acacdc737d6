package logger_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hrz6976/fetchmate/logger"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrettyFormatter(t *testing.T) {
	f := &logger.PrettyFormatter{DisableColors: true}
	entry := &logrus.Entry{
		Logger:  logrus.New(),
		Time:    time.Date(2024, 1, 2, 3, 4, 5, 6000000, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "transfer failed",
		Data: logrus.Fields{
			"unit":  "u1",
			"error": errors.New("connection reset"),
			"job":   "j1",
		},
	}

	out, err := f.Format(entry)
	require.NoError(t, err)
	line := string(out)
	assert.Equal(t, "03:04:05.006 [WARN ] transfer failed error=connection reset job=j1 unit=u1\n", line)
}

func TestPrettyFormatterColors(t *testing.T) {
	f := &logger.PrettyFormatter{}
	out, err := f.Format(&logrus.Entry{Logger: logrus.New(), Level: logrus.ErrorLevel, Message: "boom"})
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(out), logger.ColorRed+"[ERROR]"))
}

func TestLevelForVerbosity(t *testing.T) {
	assert.Equal(t, logrus.WarnLevel, logger.LevelForVerbosity(0))
	assert.Equal(t, logrus.InfoLevel, logger.LevelForVerbosity(1))
	assert.Equal(t, logrus.DebugLevel, logger.LevelForVerbosity(2))
	assert.Equal(t, logrus.TraceLevel, logger.LevelForVerbosity(5))
}

func TestSetup(t *testing.T) {
	var buf bytes.Buffer
	logger.Setup(&buf, logrus.InfoLevel, false)
	t.Cleanup(func() { logger.Setup(nil, logrus.InfoLevel, false) })

	logrus.WithField("job", "j1").Info("job completed")
	logrus.Debug("hidden")
	assert.Contains(t, buf.String(), "job completed job=j1")
	assert.NotContains(t, buf.String(), "hidden")

	buf.Reset()
	logger.Setup(&buf, logrus.InfoLevel, true)
	logrus.Info("as json")
	assert.Contains(t, buf.String(), `"msg":"as json"`)
}
