package logging

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesLevelsAndFields(t *testing.T) {
	base, hook := test.NewNullLogger()
	logger := New(logrus.NewEntry(base)).With(logrus.Fields{"tenant": "frodo.example"})
	ctx := context.Background()

	logger.Info(ctx, "popped %d items", 3)
	logger.Warn(ctx, "slow cycle")
	logger.Error(ctx, "store failed: %v", "boom")

	entries := hook.AllEntries()
	require.Len(t, entries, 3)
	assert.Equal(t, logrus.InfoLevel, entries[0].Level)
	assert.Equal(t, "popped 3 items", entries[0].Message)
	assert.Equal(t, logrus.WarnLevel, entries[1].Level)
	assert.Equal(t, logrus.ErrorLevel, entries[2].Level)
	assert.Equal(t, "store failed: boom", entries[2].Message)
	for _, e := range entries {
		assert.Equal(t, "frodo.example", e.Data["tenant"])
	}
}

func TestConfigure(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())
	defer logrus.SetFormatter(logrus.StandardLogger().Formatter)

	require.NoError(t, Configure("debug", true))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	assert.Error(t, Configure("chatty", false))
}
