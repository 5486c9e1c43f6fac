package executor

import (
	"fmt"

	"github.com/G-Research/taskrelay/internal/common/relaycontext"
	"github.com/G-Research/taskrelay/internal/task"
)

const (
	ReportKindPayslip     = "payslip"
	ReportKindUnionReport = "union_report"
)

type reportFields struct {
	ReportKind   string  `mapstructure:"report_kind"`
	CompanyID    string  `mapstructure:"company_id"`
	EmployeeID   string  `mapstructure:"employee_id"`
	SettlementID string  `mapstructure:"settlement_id"`
	Period       string  `mapstructure:"period"`
	Employees    int     `mapstructure:"employees"`
	TotalGross   float64 `mapstructure:"total_gross"`
	TotalCharges float64 `mapstructure:"total_contributions"`
}

// Report describes the payslip or union report document generated for the task.
type Report struct {
	storage *storage
}

func NewReport(storagePrefix string) *Report {
	return &Report{storage: newStorage(storagePrefix)}
}

func (r *Report) Execute(ctx *relaycontext.Context, descriptor task.Descriptor) (*task.Result, error) {
	var fields reportFields
	if err := decodeFields(descriptor, &fields); err != nil {
		return task.Failed("invalid fields: " + err.Error()), nil
	}

	switch fields.ReportKind {
	case ReportKindPayslip:
		if missing := firstMissing(map[string]string{"employee_id": fields.EmployeeID, "period": fields.Period}); missing != "" {
			return task.Failed("missing required field " + missing), nil
		}
		file := fmt.Sprintf("payslip_%s_%s.pdf", fields.EmployeeID, fields.Period)
		ctx.Log.Infof("generated payslip %s", file)
		return task.Completed("payslip generated", map[string]interface{}{
			"report_kind":   ReportKindPayslip,
			"file":          file,
			"storage_path":  r.storage.path("payslips", file),
			"employee_id":   fields.EmployeeID,
			"settlement_id": fields.SettlementID,
			"period":        fields.Period,
		}), nil
	case ReportKindUnionReport:
		if missing := firstMissing(map[string]string{"company_id": fields.CompanyID, "period": fields.Period}); missing != "" {
			return task.Failed("missing required field " + missing), nil
		}
		file := fmt.Sprintf("union_report_%s_%s.pdf", fields.CompanyID, fields.Period)
		ctx.Log.Infof("generated union report %s", file)
		return task.Completed("union report generated", map[string]interface{}{
			"report_kind":  ReportKindUnionReport,
			"file":         file,
			"storage_path": r.storage.path("reports", file),
			"summary": map[string]interface{}{
				"employees":           fields.Employees,
				"total_gross":         cents(fields.TotalGross),
				"total_contributions": cents(fields.TotalCharges),
				"period":              fields.Period,
			},
		}), nil
	default:
		return task.Failed(fmt.Sprintf("invalid report kind: %q", fields.ReportKind)), nil
	}
}
