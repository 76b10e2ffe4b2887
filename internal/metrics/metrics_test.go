package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsExist(t *testing.T) {
	tests := []struct {
		name   string
		metric interface{}
	}{
		{"OperationsTotal", OperationsTotal},
		{"OperationDuration", OperationDuration},
		{"FailuresTotal", FailuresTotal},
		{"FramesEncodedTotal", FramesEncodedTotal},
		{"PacketsCopiedTotal", PacketsCopiedTotal},
		{"SegmentsWrittenTotal", SegmentsWrittenTotal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotNil(t, tt.metric)
		})
	}
}

func TestObserveOperation(t *testing.T) {
	okBefore := testutil.ToFloat64(OperationsTotal.WithLabelValues("test_op", "success"))
	errBefore := testutil.ToFloat64(OperationsTotal.WithLabelValues("test_op", "error"))
	stageBefore := testutil.ToFloat64(FailuresTotal.WithLabelValues("test_op", "decode"))
	unknownBefore := testutil.ToFloat64(FailuresTotal.WithLabelValues("test_op", "unknown"))

	ObserveOperation("test_op", time.Now(), "", nil)
	ObserveOperation("test_op", time.Now(), "decode", errors.New("boom"))
	ObserveOperation("test_op", time.Now(), "", errors.New("boom"))

	assert.Equal(t, okBefore+1, testutil.ToFloat64(OperationsTotal.WithLabelValues("test_op", "success")))
	assert.Equal(t, errBefore+2, testutil.ToFloat64(OperationsTotal.WithLabelValues("test_op", "error")))
	assert.Equal(t, stageBefore+1, testutil.ToFloat64(FailuresTotal.WithLabelValues("test_op", "decode")))
	assert.Equal(t, unknownBefore+1, testutil.ToFloat64(FailuresTotal.WithLabelValues("test_op", "unknown")))
}

func TestWriteFile(t *testing.T) {
	SegmentsWrittenTotal.Inc()
	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, WriteFile(path))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mediapipe_segments_written_total")
}
