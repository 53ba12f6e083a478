package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithOutput_JSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput(logrus.InfoLevel, &buf)

	log.Debug("hidden")
	log.WithField("principal_id", "user-1").Info("credited account")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "credited account", line["msg"])
	assert.Equal(t, "user-1", line["principal_id"])
	assert.Equal(t, "info", line["level"])
}
