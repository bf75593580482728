package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GaugesFollowSource(t *testing.T) {
	snap := Snapshot{Workers: 3, Rooms: 2, Participants: 5, AudioStreaming: 1}
	reg := NewRegistry(func() Snapshot { return snap })

	expected := `
# HELP gateway_rooms_total Open rooms.
# TYPE gateway_rooms_total gauge
gateway_rooms_total 2
# HELP gateway_workers_total Live media workers.
# TYPE gateway_workers_total gauge
gateway_workers_total 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "gateway_rooms_total", "gateway_workers_total"))

	snap.AudioStreaming = 4
	n, err := testutil.GatherAndCount(reg, "gateway_audio_streams_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
