package executor

import (
	"math"

	"github.com/G-Research/taskrelay/internal/common/relaycontext"
	"github.com/G-Research/taskrelay/internal/task"
)

const (
	ConceptRemunerative = "remunerative"

	pensionRate              = 0.11
	pamiRate                 = 0.03
	healthInsuranceRate      = 0.03
	employerContributionRate = 0.23
)

type settlementFields struct {
	CompanyID  string    `mapstructure:"company_id"`
	EmployeeID string    `mapstructure:"employee_id"`
	Period     string    `mapstructure:"period"`
	Concepts   []concept `mapstructure:"concepts"`
}

type concept struct {
	Kind        string  `mapstructure:"kind"`
	Description string  `mapstructure:"description"`
	Amount      float64 `mapstructure:"amount"`
}

// Settlement computes an employee's pay for a period from the concepts submitted with the task.
type Settlement struct{}

func (Settlement) Execute(ctx *relaycontext.Context, descriptor task.Descriptor) (*task.Result, error) {
	var fields settlementFields
	if err := decodeFields(descriptor, &fields); err != nil {
		return task.Failed("invalid fields: " + err.Error()), nil
	}
	if missing := firstMissing(map[string]string{"employee_id": fields.EmployeeID, "period": fields.Period}); missing != "" {
		return task.Failed("missing required field " + missing), nil
	}

	gross := 0.0
	for _, c := range fields.Concepts {
		if c.Kind == ConceptRemunerative {
			gross += c.Amount
		}
	}
	pension := gross * pensionRate
	pami := gross * pamiRate
	healthInsurance := gross * healthInsuranceRate
	deductions := pension + pami + healthInsurance
	net := gross - deductions
	employer := gross * employerContributionRate

	ctx.Log.Infof("settlement for employee %s in %s: net %.2f", fields.EmployeeID, fields.Period, net)
	return task.Completed("settlement processed", map[string]interface{}{
		"company_id":             fields.CompanyID,
		"employee_id":            fields.EmployeeID,
		"period":                 fields.Period,
		"gross":                  cents(gross),
		"deductions":             cents(deductions),
		"net":                    cents(net),
		"employer_contributions": cents(employer),
		"breakdown": map[string]interface{}{
			"pension":          cents(pension),
			"pami":             cents(pami),
			"health_insurance": cents(healthInsurance),
		},
	}), nil
}

func cents(amount float64) float64 {
	return math.Round(amount*100) / 100
}

// firstMissing returns the first, in name order, of the required fields that is empty.
func firstMissing(required map[string]string) string {
	missing := ""
	for name, value := range required {
		if value == "" && (missing == "" || name < missing) {
			missing = name
		}
	}
	return missing
}
