package invocation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordUpdatesArtifactAndInvokerStats(t *testing.T) {
	r := New(0)
	r.Record(Record{InvokerID: "agent:a", ArtifactID: "exec:sorter", Success: true})
	r.Record(Record{InvokerID: "agent:a", ArtifactID: "exec:sorter", Success: false, ErrorKind: "sandbox_crash"})

	stats := r.ArtifactStats("exec:sorter")
	assert.EqualValues(t, 1, stats.Successes)
	assert.EqualValues(t, 1, stats.Failures)
	assert.InDelta(t, 0.5, stats.Rate(), 0.0001)

	invoker := r.InvokerStats("agent:a")
	assert.EqualValues(t, 1, invoker.Successes)
	assert.EqualValues(t, 1, invoker.Failures)
}

func TestRecentForArtifactCapsAtHistorySize(t *testing.T) {
	r := New(2)
	for i := 0; i < 5; i++ {
		r.Record(Record{ArtifactID: "exec:x", Success: true})
	}
	require.Len(t, r.RecentForArtifact("exec:x"), 2)
}

func TestStatsForUnknownKeyIsZero(t *testing.T) {
	r := New(0)
	assert.Equal(t, Stats{}, r.ArtifactStats("nope"))
}
