package cardpurse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsObserveCommandTallies(t *testing.T) {
	m := NewMetrics()
	m.ObserveCommand(0x82, 0x01, 0x90, 0x00, 1000)
	m.ObserveCommand(0x82, 0x01, 0x69, 0x82, 2000)
	m.ObserveCommand(0x82, 0x04, 0x90, 0x00, 500)

	assert.EqualValues(t, 2, m.CommandCount(0x01))
	assert.EqualValues(t, 1, m.CommandCount(0x04))
	assert.EqualValues(t, 2, m.StatusCount(0x90, 0x00))
	assert.EqualValues(t, 1, m.StatusCount(0x69, 0x82))
}

func TestMetricsAvgLatency(t *testing.T) {
	m := NewMetrics()
	m.ObserveCommand(0x82, 0x01, 0x90, 0x00, 1000)
	m.ObserveCommand(0x82, 0x01, 0x90, 0x00, 3000)
	assert.EqualValues(t, 2000, m.AvgLatencyNs())
}

func TestMetricsJournalReplay(t *testing.T) {
	m := NewMetrics()
	m.ObserveJournalReplay(0)
	m.ObserveJournalReplay(3)

	assert.EqualValues(t, 1, m.JournalReplays.Load(), "the no-op call shouldn't count")
	assert.EqualValues(t, 3, m.JournalReplayOps.Load())
}
