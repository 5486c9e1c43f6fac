package executor

import (
	"fmt"
	"strings"

	"k8s.io/utils/clock"

	"github.com/G-Research/taskrelay/internal/common/relaycontext"
	"github.com/G-Research/taskrelay/internal/task"
)

const (
	defaultBank    = "generic"
	emptyCBU       = "0000000000000000000000"
	previewLines   = 5
	nameFieldWidth = 20
)

type bankFileFields struct {
	Bank        string    `mapstructure:"bank"`
	CompanyID   string    `mapstructure:"company_id"`
	CompanyCUIT string    `mapstructure:"company_cuit"`
	Period      string    `mapstructure:"period"`
	Payments    []payment `mapstructure:"payments"`
}

type payment struct {
	CUIL      string  `mapstructure:"cuil"`
	CBU       string  `mapstructure:"cbu"`
	FirstName string  `mapstructure:"first_name"`
	LastName  string  `mapstructure:"last_name"`
	Net       float64 `mapstructure:"net"`
}

// BankFile builds the fixed-width salary payment file a bank expects: a header record, one record per
// payment and a trailer with the record count and total.
type BankFile struct {
	storage *storage
	clock   clock.PassiveClock
}

func NewBankFile(storagePrefix string, clk clock.PassiveClock) *BankFile {
	return &BankFile{storage: newStorage(storagePrefix), clock: clk}
}

func (b *BankFile) Execute(ctx *relaycontext.Context, descriptor task.Descriptor) (*task.Result, error) {
	var fields bankFileFields
	if err := decodeFields(descriptor, &fields); err != nil {
		return task.Failed("invalid fields: " + err.Error()), nil
	}
	if missing := firstMissing(map[string]string{"company_id": fields.CompanyID, "period": fields.Period}); missing != "" {
		return task.Failed("missing required field " + missing), nil
	}
	if len(fields.Payments) == 0 {
		return task.Failed("no payments to include in the bank file"), nil
	}
	if fields.Bank == "" {
		fields.Bank = defaultBank
	}

	period := strings.ReplaceAll(fields.Period, "-", "")
	lines := make([]string, 0, len(fields.Payments)+2)
	lines = append(lines, fmt.Sprintf("0%s%s%s", fields.CompanyCUIT, b.clock.Now().Format("20060102"), period))
	total := 0.0
	for _, p := range fields.Payments {
		total += p.Net
		cbu := p.CBU
		if cbu == "" {
			cbu = emptyCBU
		}
		lines = append(lines, fmt.Sprintf("1%s%s%-20s%-20s%015d",
			p.CUIL, cbu, truncate(p.LastName, nameFieldWidth), truncate(p.FirstName, nameFieldWidth), toCents(p.Net)))
	}
	lines = append(lines, fmt.Sprintf("9%08d%018d", len(fields.Payments), toCents(total)))

	file := fmt.Sprintf("pago_%s_%s_%s.txt", fields.Bank, fields.CompanyID, period)
	preview := lines
	if len(preview) > previewLines {
		preview = preview[:previewLines]
	}
	ctx.Log.Infof("generated bank file %s with %d records", file, len(fields.Payments))
	return task.Completed("bank file generated", map[string]interface{}{
		"file":         file,
		"storage_path": b.storage.path("bank_files", file),
		"bank":         fields.Bank,
		"summary": map[string]interface{}{
			"records": len(fields.Payments),
			"total":   cents(total),
			"period":  fields.Period,
		},
		"preview": preview,
	}), nil
}

func toCents(amount float64) int64 {
	return int64(cents(amount) * 100)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}
