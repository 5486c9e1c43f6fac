package executor

import (
	"fmt"
	"strings"

	"github.com/G-Research/taskrelay/internal/common/relaycontext"
	"github.com/G-Research/taskrelay/internal/task"
)

const (
	ContributionKindAFIP       = "afip"
	ContributionKindObraSocial = "obra_social"

	employeeHealthRate = 0.03
	employerHealthRate = 0.06
)

// Employer contribution rates applied to the total remunerative amount in the AFIP declaration.
var afipRates = map[string]float64{
	"pension":             0.1062,
	"health_insurance":    0.06,
	"pami":                0.02,
	"family_allowances":   0.0449,
	"employment_fund":     0.0089,
	"work_risk_insurance": 0.03,
}

type socialContributionFields struct {
	ContributionKind string             `mapstructure:"contribution_kind"`
	CompanyID        string             `mapstructure:"company_id"`
	Period           string             `mapstructure:"period"`
	Employees        []employeeEarnings `mapstructure:"employees"`
}

type employeeEarnings struct {
	CUIL      string  `mapstructure:"cuil"`
	FirstName string  `mapstructure:"first_name"`
	LastName  string  `mapstructure:"last_name"`
	Gross     float64 `mapstructure:"gross"`
}

// SocialContribution produces the AFIP or health insurance (obra social) declaration for a company's period.
type SocialContribution struct {
	storage *storage
}

func NewSocialContribution(storagePrefix string) *SocialContribution {
	return &SocialContribution{storage: newStorage(storagePrefix)}
}

func (s *SocialContribution) Execute(ctx *relaycontext.Context, descriptor task.Descriptor) (*task.Result, error) {
	var fields socialContributionFields
	if err := decodeFields(descriptor, &fields); err != nil {
		return task.Failed("invalid fields: " + err.Error()), nil
	}
	if fields.ContributionKind == "" {
		fields.ContributionKind = ContributionKindAFIP
	}
	if fields.ContributionKind != ContributionKindAFIP && fields.ContributionKind != ContributionKindObraSocial {
		return task.Failed(fmt.Sprintf("invalid contribution kind: %q", fields.ContributionKind)), nil
	}
	if missing := firstMissing(map[string]string{"company_id": fields.CompanyID, "period": fields.Period}); missing != "" {
		return task.Failed("missing required field " + missing), nil
	}
	if len(fields.Employees) == 0 {
		return task.Failed("no settlements to compute contributions for"), nil
	}

	period := strings.ReplaceAll(fields.Period, "-", "")
	if fields.ContributionKind == ContributionKindAFIP {
		return s.afip(ctx, fields, period), nil
	}
	return s.obraSocial(ctx, fields, period), nil
}

func (s *SocialContribution) afip(ctx *relaycontext.Context, fields socialContributionFields, period string) *task.Result {
	remunerative := 0.0
	for _, e := range fields.Employees {
		remunerative += e.Gross
	}
	breakdown := make(map[string]interface{}, len(afipRates))
	total := 0.0
	for concept, rate := range afipRates {
		amount := remunerative * rate
		total += amount
		breakdown[concept] = cents(amount)
	}

	file := fmt.Sprintf("ddjj_afip_%s_%s.txt", fields.CompanyID, period)
	ctx.Log.Infof("generated AFIP declaration %s", file)
	return task.Completed("AFIP declaration generated", map[string]interface{}{
		"contribution_kind": ContributionKindAFIP,
		"file":              file,
		"storage_path":      s.storage.path("social_contributions", file),
		"period":            fields.Period,
		"summary": map[string]interface{}{
			"employees":          len(fields.Employees),
			"total_remunerative": cents(remunerative),
			"total_employer":     cents(total),
			"breakdown":          breakdown,
		},
	})
}

func (s *SocialContribution) obraSocial(ctx *relaycontext.Context, fields socialContributionFields, period string) *task.Result {
	employeeTotal := 0.0
	employerTotal := 0.0
	records := make([]interface{}, 0, len(fields.Employees))
	for _, e := range fields.Employees {
		employee := e.Gross * employeeHealthRate
		employer := e.Gross * employerHealthRate
		employeeTotal += employee
		employerTotal += employer
		if len(records) < previewLines {
			records = append(records, map[string]interface{}{
				"cuil":      e.CUIL,
				"full_name": fmt.Sprintf("%s, %s", e.LastName, e.FirstName),
				"gross":     cents(e.Gross),
				"employee":  cents(employee),
				"employer":  cents(employer),
			})
		}
	}

	file := fmt.Sprintf("obra_social_%s_%s.txt", fields.CompanyID, period)
	ctx.Log.Infof("generated health insurance declaration %s", file)
	return task.Completed("health insurance declaration generated", map[string]interface{}{
		"contribution_kind": ContributionKindObraSocial,
		"file":              file,
		"storage_path":      s.storage.path("social_contributions", file),
		"period":            fields.Period,
		"summary": map[string]interface{}{
			"employees":      len(fields.Employees),
			"total_employee": cents(employeeTotal),
			"total_employer": cents(employerTotal),
			"total":          cents(employeeTotal + employerTotal),
		},
		"preview": records,
	})
}
