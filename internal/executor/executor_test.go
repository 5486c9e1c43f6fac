package executor

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/taskrelay/internal/common/relaycontext"
	"github.com/G-Research/taskrelay/internal/common/relayerrors"
	"github.com/G-Research/taskrelay/internal/resultstore"
	"github.com/G-Research/taskrelay/internal/task"
)

var testTime = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

func TestSettlement(t *testing.T) {
	tests := map[string]struct {
		descriptor      task.Descriptor
		expectedState   task.State
		expectedMessage string
		expectedPayload map[string]interface{}
	}{
		"computes pay from remunerative concepts": {
			descriptor: task.Descriptor{
				"type":        "settlement",
				"company_id":  7,
				"employee_id": "42",
				"period":      "2024-05",
				"concepts": []interface{}{
					map[string]interface{}{"kind": "remunerative", "description": "basic", "amount": 1000.0},
					map[string]interface{}{"kind": "non_remunerative", "description": "meal", "amount": 200.0},
				},
			},
			expectedState:   task.StateCompleted,
			expectedMessage: "settlement processed",
			expectedPayload: map[string]interface{}{
				"company_id":             "7",
				"employee_id":            "42",
				"period":                 "2024-05",
				"gross":                  1000.0,
				"deductions":             170.0,
				"net":                    830.0,
				"employer_contributions": 230.0,
				"breakdown": map[string]interface{}{
					"pension":          110.0,
					"pami":             30.0,
					"health_insurance": 30.0,
				},
			},
		},
		"missing period": {
			descriptor:      task.Descriptor{"type": "settlement", "employee_id": "42"},
			expectedState:   task.StateError,
			expectedMessage: "missing required field period",
		},
		"missing employee and period": {
			descriptor:      task.Descriptor{"type": "settlement"},
			expectedState:   task.StateError,
			expectedMessage: "missing required field employee_id",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			result, err := Settlement{}.Execute(relaycontext.Background(), tc.descriptor)
			require.NoError(t, err)
			assert.Equal(t, tc.expectedState, result.State)
			assert.Equal(t, tc.expectedMessage, result.Message)
			if tc.expectedPayload != nil {
				assert.Equal(t, tc.expectedPayload, result.Payload)
			}
		})
	}
}

func TestSettlement_ParsedNumbers(t *testing.T) {
	descriptor, err := task.Parse([]byte(`{"type":"settlement","company_id":12345678901234567890,"employee_id":42,` +
		`"period":"2024-05","concepts":[{"kind":"remunerative","description":"basic","amount":1000.00}]}`))
	require.NoError(t, err)

	result, err := Settlement{}.Execute(relaycontext.Background(), descriptor)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, result.State)
	assert.Equal(t, "12345678901234567890", result.Payload["company_id"])
	assert.Equal(t, "42", result.Payload["employee_id"])
	assert.Equal(t, 830.0, result.Payload["net"])
}

func TestSettlement_UndecodableFieldsAreABusinessError(t *testing.T) {
	result, err := Settlement{}.Execute(relaycontext.Background(), task.Descriptor{
		"type":        "settlement",
		"employee_id": "42",
		"period":      "2024-05",
		"concepts":    "not a list",
	})
	require.NoError(t, err)
	assert.Equal(t, task.StateError, result.State)
	assert.Contains(t, result.Message, "invalid fields")
}

func TestReport(t *testing.T) {
	tests := map[string]struct {
		descriptor      task.Descriptor
		expectedState   task.State
		expectedMessage string
		expectedFile    string
		expectedPath    string
	}{
		"payslip": {
			descriptor:      task.Descriptor{"type": "report", "report_kind": "payslip", "employee_id": 42, "period": "2024-05"},
			expectedState:   task.StateCompleted,
			expectedMessage: "payslip generated",
			expectedFile:    "payslip_42_2024-05.pdf",
			expectedPath:    "s3://payroll/payslips/payslip_42_2024-05.pdf",
		},
		"union report": {
			descriptor:      task.Descriptor{"type": "report", "report_kind": "union_report", "company_id": "7", "period": "2024-05"},
			expectedState:   task.StateCompleted,
			expectedMessage: "union report generated",
			expectedFile:    "union_report_7_2024-05.pdf",
			expectedPath:    "s3://payroll/reports/union_report_7_2024-05.pdf",
		},
		"union report without company": {
			descriptor:      task.Descriptor{"type": "report", "report_kind": "union_report", "period": "2024-05"},
			expectedState:   task.StateError,
			expectedMessage: "missing required field company_id",
		},
		"unknown kind": {
			descriptor:      task.Descriptor{"type": "report", "report_kind": "balance_sheet"},
			expectedState:   task.StateError,
			expectedMessage: `invalid report kind: "balance_sheet"`,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			result, err := NewReport("s3://payroll/").Execute(relaycontext.Background(), tc.descriptor)
			require.NoError(t, err)
			assert.Equal(t, tc.expectedState, result.State)
			assert.Equal(t, tc.expectedMessage, result.Message)
			if tc.expectedFile != "" {
				assert.Equal(t, tc.expectedFile, result.Payload["file"])
				assert.Equal(t, tc.expectedPath, result.Payload["storage_path"])
			}
		})
	}
}

func TestBankFile(t *testing.T) {
	e := NewBankFile("", clock.NewFakeClock(testTime))
	result, err := e.Execute(relaycontext.Background(), task.Descriptor{
		"type":         "bank_file",
		"bank":         "galicia",
		"company_id":   7,
		"company_cuit": "30712345678",
		"period":       "2024-05",
		"payments": []interface{}{
			map[string]interface{}{"cuil": "20301234567", "cbu": "0070999030004123456789", "first_name": "Ana", "last_name": "Diaz", "net": 830.0},
			map[string]interface{}{"cuil": "27301234568", "first_name": "Luis", "last_name": "Gomez", "net": 1200.5},
		},
	})
	require.NoError(t, err)
	require.Equal(t, task.StateCompleted, result.State)

	assert.Equal(t, "pago_galicia_7_202405.txt", result.Payload["file"])
	assert.Equal(t, "s3://taskrelay/bank_files/pago_galicia_7_202405.txt", result.Payload["storage_path"])
	assert.Equal(t, map[string]interface{}{"records": 2, "total": 2030.5, "period": "2024-05"}, result.Payload["summary"])
	assert.Equal(t, []string{
		"03071234567820240603202405",
		"1203012345670070999030004123456789Diaz                Ana                 000000000083000",
		"1273012345680000000000000000000000Gomez               Luis                000000000120050",
		"900000002000000000000203050",
	}, result.Payload["preview"])
}

func TestBankFile_BusinessErrors(t *testing.T) {
	tests := map[string]struct {
		descriptor      task.Descriptor
		expectedMessage string
	}{
		"no payments": {
			descriptor:      task.Descriptor{"type": "bank_file", "company_id": 7, "period": "2024-05"},
			expectedMessage: "no payments to include in the bank file",
		},
		"no period": {
			descriptor:      task.Descriptor{"type": "bank_file", "company_id": 7},
			expectedMessage: "missing required field period",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			result, err := NewBankFile("", clock.NewFakeClock(testTime)).Execute(relaycontext.Background(), tc.descriptor)
			require.NoError(t, err)
			assert.Equal(t, task.Failed(tc.expectedMessage), result)
		})
	}
}

func TestSocialContribution(t *testing.T) {
	employees := []interface{}{
		map[string]interface{}{"cuil": "20301234567", "first_name": "Ana", "last_name": "Diaz", "gross": 1000.0},
		map[string]interface{}{"cuil": "27301234568", "first_name": "Luis", "last_name": "Gomez", "gross": 2000.0},
	}
	tests := map[string]struct {
		descriptor      task.Descriptor
		expectedState   task.State
		expectedMessage string
		expectedFile    string
		expectedSummary map[string]interface{}
	}{
		"afip is the default": {
			descriptor:    task.Descriptor{"type": "social_contribution", "company_id": 7, "period": "2024-05", "employees": employees},
			expectedState: task.StateCompleted,
			expectedFile:  "ddjj_afip_7_202405.txt",
		},
		"obra social": {
			descriptor: task.Descriptor{
				"type": "social_contribution", "contribution_kind": "obra_social",
				"company_id": 7, "period": "2024-05", "employees": employees,
			},
			expectedState: task.StateCompleted,
			expectedFile:  "obra_social_7_202405.txt",
			expectedSummary: map[string]interface{}{
				"employees":      2,
				"total_employee": 90.0,
				"total_employer": 180.0,
				"total":          270.0,
			},
		},
		"unknown kind": {
			descriptor:      task.Descriptor{"type": "social_contribution", "contribution_kind": "ansses"},
			expectedState:   task.StateError,
			expectedMessage: `invalid contribution kind: "ansses"`,
		},
		"no employees": {
			descriptor:      task.Descriptor{"type": "social_contribution", "company_id": 7, "period": "2024-05"},
			expectedState:   task.StateError,
			expectedMessage: "no settlements to compute contributions for",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			result, err := NewSocialContribution("").Execute(relaycontext.Background(), tc.descriptor)
			require.NoError(t, err)
			assert.Equal(t, tc.expectedState, result.State)
			if tc.expectedMessage != "" {
				assert.Equal(t, tc.expectedMessage, result.Message)
			}
			if tc.expectedFile != "" {
				assert.Equal(t, tc.expectedFile, result.Payload["file"])
			}
			if tc.expectedSummary != nil {
				assert.Equal(t, tc.expectedSummary, result.Payload["summary"])
			}
		})
	}
}

func TestSocialContribution_AFIPBreakdown(t *testing.T) {
	result, err := NewSocialContribution("").Execute(relaycontext.Background(), task.Descriptor{
		"type":       "social_contribution",
		"company_id": 7,
		"period":     "2024-05",
		"employees":  []interface{}{map[string]interface{}{"cuil": "20301234567", "gross": 10000.0}},
	})
	require.NoError(t, err)
	summary := result.Payload["summary"].(map[string]interface{})
	assert.Equal(t, 10000.0, summary["total_remunerative"])
	assert.Equal(t, 2700.0, summary["total_employer"])
	assert.Equal(t, map[string]interface{}{
		"pension":             1062.0,
		"health_insurance":    600.0,
		"pami":                200.0,
		"family_allowances":   449.0,
		"employment_fund":     89.0,
		"work_risk_insurance": 300.0,
	}, summary["breakdown"])
}

func TestNewRegistry(t *testing.T) {
	registry, err := NewRegistry(Defaults("", clock.NewFakeClock(testTime)))
	require.NoError(t, err)
	assert.Equal(t, []string{"bank_file", "report", "settlement", "social_contribution"}, registry.Types())

	e, ok := registry.Lookup("settlement")
	assert.True(t, ok)
	assert.Equal(t, Settlement{}, e)

	_, ok = registry.Lookup("unknown_type")
	assert.False(t, ok)

	_, err = NewRegistry(map[string]Executor{"settlement": nil})
	assert.True(t, relayerrors.IsInvalidArgument(err))
}

type failingStore struct {
	resultstore.Store
}

func (failingStore) Put(context.Context, string, string, *task.Result) error {
	return errors.New("redis unavailable")
}

func TestRecording(t *testing.T) {
	descriptor := task.Descriptor{"type": "settlement", "task_identity": "settlement_20240603100000000000"}
	infrastructureErr := errors.New("database unreachable")

	tests := map[string]struct {
		inner          Executor
		store          resultstore.Store
		expectedResult *task.Result
		expectedStored bool
		expectErr      bool
	}{
		"completed result is stored": {
			inner: Func(func(*relaycontext.Context, task.Descriptor) (*task.Result, error) {
				return task.Completed("ok", nil), nil
			}),
			expectedResult: task.Completed("ok", nil),
			expectedStored: true,
		},
		"business error is stored": {
			inner: Func(func(*relaycontext.Context, task.Descriptor) (*task.Result, error) {
				return task.Failed("bad input"), nil
			}),
			expectedResult: task.Failed("bad input"),
			expectedStored: true,
		},
		"infrastructural error is not stored": {
			inner:     Func(func(*relaycontext.Context, task.Descriptor) (*task.Result, error) { return nil, infrastructureErr }),
			expectErr: true,
		},
		"nil result is an error": {
			inner:     Func(func(*relaycontext.Context, task.Descriptor) (*task.Result, error) { return nil, nil }),
			expectErr: true,
		},
		"store failure is an error": {
			inner: Func(func(*relaycontext.Context, task.Descriptor) (*task.Result, error) {
				return task.Completed("ok", nil), nil
			}),
			store:     failingStore{},
			expectErr: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			logStore := resultstore.NewLogStore(time.Minute, clock.NewFakeClock(testTime))
			store := tc.store
			if store == nil {
				store = logStore
			}

			result, err := NewRecording(tc.inner, store, "liquidacion").Execute(relaycontext.Background(), descriptor)
			if tc.expectErr {
				assert.Error(t, err)
				assert.Nil(t, result)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.expectedResult, result)
			}

			record, err := logStore.Get(context.Background(), descriptor.Identity())
			if tc.expectedStored {
				require.NoError(t, err)
				assert.Equal(t, "liquidacion", record.Queue)
				assert.Equal(t, *tc.expectedResult, record.Result)
			} else {
				assert.True(t, relayerrors.IsNotFound(err))
			}
		})
	}
}

func TestForQueue(t *testing.T) {
	store := resultstore.NewLogStore(time.Minute, clock.NewFakeClock(testTime))
	executors := Defaults("", clock.NewFakeClock(testTime))

	registry, err := ForQueue("reportes", []string{"report"}, executors, store)
	require.NoError(t, err)
	assert.Equal(t, []string{"report"}, registry.Types())
	e, ok := registry.Lookup("report")
	require.True(t, ok)
	assert.IsType(t, &Recording{}, e)

	_, err = ForQueue("reportes", []string{"payslip"}, executors, store)
	assert.Error(t, err)
}
