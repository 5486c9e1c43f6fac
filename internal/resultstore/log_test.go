package resultstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/taskrelay/internal/common/relayerrors"
	"github.com/G-Research/taskrelay/internal/task"
)

func TestLogStore(t *testing.T) {
	ctx := context.Background()
	s := NewLogStore(time.Minute, clock.NewFakeClock(testTime))
	defer s.Close()

	_, err := s.Get(ctx, "bank_file_1")
	assert.True(t, relayerrors.IsNotFound(err))

	result := task.Completed("file generated", map[string]interface{}{"file": "pago_galicia_7_202405.txt"})
	require.NoError(t, s.Put(ctx, "bank_file_1", "archivos_bancarios", result))

	record, err := s.Get(ctx, "bank_file_1")
	require.NoError(t, err)
	assert.Equal(t, "archivos_bancarios", record.Queue)
	assert.Equal(t, *result, record.Result)
	assert.Equal(t, testTime, record.RecordedAt)
}
