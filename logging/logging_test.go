package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func withObserver(debug bool) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &Logger{z: zap.New(core), debug: debug}, logs
}

func TestDebugPrintLevelRouting(t *testing.T) {
	l, logs := withObserver(false)

	l.DebugPrint(0, "level0 %d", 1)
	l.DebugPrint(1, "level1 %d", 2)
	l.DebugPrint(2, "level2 %d", 3) // dropped: not a debug logger

	all := logs.All()
	assert.Len(t, all, 2)
	assert.Equal(t, zapcore.InfoLevel, all[0].Level)
	assert.Equal(t, zapcore.DebugLevel, all[1].Level)
}

func TestDebugPrintLevelTwoKeptInDebugMode(t *testing.T) {
	l, logs := withObserver(true)
	l.DebugPrint(2, "diag")
	assert.Len(t, logs.All(), 1)
}

func TestEventCarriesStructuredFields(t *testing.T) {
	l, logs := withObserver(false)
	l.Event("double completion", "DoubleCompletion", 0x1234, 1, 0x02)

	entry := logs.All()[0]
	fields := entry.ContextMap()
	assert.Equal(t, "DoubleCompletion", fields["kind"])
	assert.EqualValues(t, 0x1234, fields["cid"])
	assert.EqualValues(t, 1, fields["qid"])
	assert.EqualValues(t, 0x02, fields["status"])
}
