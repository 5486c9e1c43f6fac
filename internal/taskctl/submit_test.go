package taskctl

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/G-Research/taskrelay/internal/broker/bolt"
	"github.com/G-Research/taskrelay/internal/common/relaycontext"
	"github.com/G-Research/taskrelay/internal/configuration"
	"github.com/G-Research/taskrelay/internal/gateway"
	"github.com/G-Research/taskrelay/internal/routing"
	"github.com/G-Research/taskrelay/internal/task"
	"github.com/G-Research/taskrelay/pkg/client"
)

func TestParseSubmitFile(t *testing.T) {
	tests := map[string]struct {
		data      string
		expected  []task.Descriptor
		expectErr bool
	}{
		"single yaml descriptor": {
			data: "type: settlement\nemployee_id: E-1\nperiod: \"2024-05\"\n",
			expected: []task.Descriptor{
				{"type": "settlement", "employee_id": "E-1", "period": "2024-05"},
			},
		},
		"task list": {
			data: `
tasks:
  - type: report
    report_kind: payslip
  - type: bank_file
    company_id: C-1
    payments:
      - cuil: "20123456789"
        amount: 1500.5
`,
			expected: []task.Descriptor{
				{"type": "report", "report_kind": "payslip"},
				{"type": "bank_file", "company_id": "C-1", "payments": []interface{}{
					map[string]interface{}{"cuil": "20123456789", "amount": json.Number("1500.5")},
				}},
			},
		},
		"json descriptor": {
			data:     `{"type": "social_contribution", "kind": "afip"}`,
			expected: []task.Descriptor{{"type": "social_contribution", "kind": "afip"}},
		},
		"large integer kept exactly": {
			data:     `{"type": "settlement", "employee_id": 12345678901234567890}`,
			expected: []task.Descriptor{{"type": "settlement", "employee_id": json.Number("12345678901234567890")}},
		},
		"task that is not a mapping": {
			data:      "tasks:\n  - settlement\n",
			expectErr: true,
		},
		"empty document": {
			data:      "",
			expectErr: true,
		},
		"empty task list": {
			data:      "tasks: []\n",
			expectErr: true,
		},
		"not a mapping": {
			data:      "- type: settlement\n",
			expectErr: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			descriptors, err := ParseSubmitFile([]byte(tc.data))
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, descriptors)
		})
	}
}

func TestDescriptorFromFields(t *testing.T) {
	tests := map[string]struct {
		fields    []string
		expected  task.Descriptor
		expectErr bool
	}{
		"no fields": {
			expected: task.Descriptor{"type": "settlement"},
		},
		"fields": {
			fields:   []string{"employee_id=E-1", "period=2024-05", "note=a=b"},
			expected: task.Descriptor{"type": "settlement", "employee_id": "E-1", "period": "2024-05", "note": "a=b"},
		},
		"missing separator": {
			fields:    []string{"employee_id"},
			expectErr: true,
		},
		"empty key": {
			fields:    []string{"=E-1"},
			expectErr: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			descriptor, err := DescriptorFromFields("settlement", tc.fields)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, descriptor)
		})
	}
}

func TestSubmit(t *testing.T) {
	b, err := bolt.Open(configuration.BoltConfig{
		Path:         filepath.Join(t.TempDir(), "broker.db"),
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer b.Close()
	s, err := gateway.New(
		configuration.GatewayConfiguration{
			Framing:                  configuration.FramingNewline,
			MaxFrameBytes:            1 << 16,
			MaxConcurrentConnections: 2,
			BacklogWaitTimeout:       time.Second,
			ReadTimeout:              5 * time.Second,
			WriteTimeout:             5 * time.Second,
			ShutdownTimeout:          time.Second,
		},
		b,
		routing.Default(),
		task.NewIdentityGenerator(clock.RealClock{}),
		gateway.NewMetrics(gateway.MetricsPrefix, prometheus.NewRegistry()),
		clock.RealClock{},
	)
	require.NoError(t, err)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := relaycontext.WithCancel(relaycontext.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, listener) }()
	defer func() {
		cancel()
		<-done
	}()

	out := new(bytes.Buffer)
	app := &App{
		Params: &Params{ConnectionDetails: &client.ConnectionDetails{
			GatewayAddress: listener.Addr().String(),
			Framing:        configuration.FramingNewline,
		}},
		Out: out,
	}

	err = app.Submit(context.Background(), []task.Descriptor{
		{"type": "settlement", "employee_id": "E-1"},
		{"type": "unknown_type"},
		{"type": "report"},
	})

	assert.EqualError(t, err, "1 of 3 tasks rejected")
	assert.Regexp(t, `^Submitted task settlement_\d{20} to queue liquidacion
Task of type unknown_type rejected: invalid task type: unknown_type
Submitted task report_\d{20} to queue reportes
$`, out.String())
}
