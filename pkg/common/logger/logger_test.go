package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONByDefault(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "", "")
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())

	l.WithField("table", "visits").Info("built")
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "visits", line["table"])
	assert.Equal(t, "built", line["msg"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "debug", "TEXT")
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())

	l.Debug("copying")
	assert.Contains(t, buf.String(), `msg=copying`)
}

func TestNewBadLevelFallsBackToInfo(t *testing.T) {
	assert.Equal(t, logrus.InfoLevel, New(&bytes.Buffer{}, "loud", "json").GetLevel())
}

func TestEntryWithoutInit(t *testing.T) {
	saved := Log
	Log = nil
	defer func() { Log = saved }()
	assert.NotNil(t, Entry())
	assert.NotNil(t, WithField("k", "v"))
}
