// Package claims defines the professional claim submission form.
package claims

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/backoffice/internal/wizard"
)

// FormID identifies the claim form in the registry and in stored drafts.
const FormID = "claims"

// Role is the role required to work claim sessions.
const Role = "billing"

const MaxDiagnosisCodes = 6

var (
	icd10Pattern  = regexp.MustCompile(`^[A-Z][0-9][0-9A-Z](\.[0-9A-Z]{1,4})?$`)
	cptPattern    = regexp.MustCompile(`^\d{4}[0-9A-Z]$`)
	chargePattern = regexp.MustCompile(`^\d{1,7}(\.\d{2})?$`)
	unitsPattern  = regexp.MustCompile(`^[1-9]\d{0,2}$`)
)

var relationships = []string{"self", "spouse", "child", "other"}

var genders = []string{"female", "male", "other", "unknown"}

// PlacesOfService lists the CMS place-of-service codes accepted on a line.
var PlacesOfService = []string{"02", "10", "11", "12", "19", "20", "21", "22", "23", "31", "32", "81"}

var ErrZeroCharge = errors.New("claim total must be greater than zero")

var ErrDependantSequence = errors.New("dependant sequence 00 is reserved for the subscriber")

func defaults() wizard.Answers {
	return wizard.Answers{
		"providerId":        "",
		"subscriberId":      "",
		"dependantSequence": "",
		"billingFax":        "",
		"billingZip":        "",
		"patientFirstName":  "",
		"patientLastName":   "",
		"patientDob":        "",
		"relationship":      "",
		"gender":            "",
		"diagnosisCodes":    []wizard.Item{},
		"procedureCodes":    []wizard.Item{},
		"attestation":       false,
	}
}

// New builds the claim form. phaseDelay paces each submission phase.
func New(phaseDelay time.Duration) *wizard.Form {
	provider := &wizard.Step{
		ID:    "provider",
		Title: "Provider & subscriber",
		Fields: []wizard.Field{
			{Key: "providerId", Label: "Provider ID", Validators: []wizard.Validator{
				wizard.Required("Provider ID is required"),
				wizard.Digits(10, "Provider ID must be 10 digits"),
			}},
			{Key: "subscriberId", Label: "Subscriber ID", Validators: []wizard.Validator{
				wizard.Required("Subscriber ID is required"),
				wizard.MaxLength(20, "Subscriber ID must be at most 20 characters"),
			}},
			{Key: "dependantSequence", Label: "Dependant sequence", Validators: []wizard.Validator{
				wizard.Required("Dependant sequence is required"),
				wizard.Digits(2, "Dependant sequence must be 2 digits"),
			}},
			{Key: "billingFax", Label: "Billing fax", Validators: []wizard.Validator{
				wizard.Pattern(wizard.FaxPattern, "Fax must look like 555-555-5555"),
			}},
			{Key: "billingZip", Label: "Billing ZIP", Validators: []wizard.Validator{
				wizard.Pattern(wizard.ZIPPattern, "ZIP code must be 12345 or 12345-6789"),
			}},
		},
	}

	patient := &wizard.Step{
		ID:    "patient",
		Title: "Patient",
		Fields: []wizard.Field{
			{Key: "patientFirstName", Label: "First name", Validators: []wizard.Validator{wizard.Required("First name is required")}},
			{Key: "patientLastName", Label: "Last name", Validators: []wizard.Validator{wizard.Required("Last name is required")}},
			{Key: "patientDob", Label: "Date of birth", Validators: []wizard.Validator{
				wizard.Required("Date of birth is required"),
				wizard.Pattern(wizard.DatePattern, "Date of birth must be YYYY-MM-DD"),
			}},
			{Key: "relationship", Label: "Relationship to subscriber", Validators: []wizard.Validator{
				wizard.Required("Relationship is required"),
				wizard.OneOf(relationships, "Select a relationship"),
			}},
			{Key: "gender", Label: "Gender", Validators: []wizard.Validator{wizard.OneOf(genders, "Select a gender")}},
		},
	}

	diagnosis := &wizard.Step{
		ID:    "diagnosis",
		Title: "Diagnosis codes",
		Collections: []*wizard.Collection{{
			Key:          "diagnosisCodes",
			Label:        "Diagnosis codes",
			Min:          1,
			Max:          MaxDiagnosisCodes,
			HasPrimary:   true,
			EmptyMessage: "At least one diagnosis code is required",
			Fields: []wizard.Field{
				{Key: "code", Label: "ICD-10 code", Validators: []wizard.Validator{
					wizard.Required("Diagnosis code is required"),
					wizard.Pattern(icd10Pattern, "Enter a valid ICD-10 code"),
				}},
				{Key: "description", Label: "Description"},
			},
		}},
	}

	procedures := &wizard.Step{
		ID:    "procedures",
		Title: "Procedure codes",
		Collections: []*wizard.Collection{{
			Key:          "procedureCodes",
			Label:        "Procedure codes",
			Min:          1,
			EmptyMessage: "At least one procedure code is required",
			Fields: []wizard.Field{
				{Key: "code", Label: "CPT/HCPCS code", Validators: []wizard.Validator{
					wizard.Required("Procedure code is required"),
					wizard.Pattern(cptPattern, "Enter a valid CPT or HCPCS code"),
				}},
				{Key: "charge", Label: "Charge", Validators: []wizard.Validator{
					wizard.Required("Charge is required"),
					wizard.Pattern(chargePattern, "Charge must be an amount like 125.00"),
				}},
				{Key: "units", Label: "Units", Validators: []wizard.Validator{
					wizard.Required("Units are required"),
					wizard.Pattern(unitsPattern, "Units must be between 1 and 999"),
				}},
				{Key: "placeOfService", Label: "Place of service", Validators: []wizard.Validator{
					wizard.OneOf(PlacesOfService, "Select a place of service"),
				}},
				{Key: "diagnosisPointer", Label: "Diagnosis pointer"},
			},
		}},
	}

	review := &wizard.Step{
		ID:     "review",
		Title:  "Review & attest",
		Review: true,
		Fields: []wizard.Field{
			{Key: "attestation", Label: "Attestation", Validators: []wizard.Validator{
				wizard.Checked("You must attest that the claim is accurate"),
			}},
		},
		Checks: []wizard.Check{{
			Keys: []string{"procedureCodes", "diagnosisCodes"},
			Fn:   checkProcedureLines,
		}},
	}

	return wizard.MustNew(FormID, "Claim submission", defaults(), phases(phaseDelay),
		provider, patient, diagnosis, procedures, review)
}

// checkProcedureLines holds the line-level rules enforced before a claim
// leaves review: every line needs a place of service and a pointer to one of
// the claim's diagnosis codes.
func checkProcedureLines(a wizard.Answers) wizard.ErrorMap {
	known := map[string]bool{}
	for _, d := range a.Items("diagnosisCodes") {
		if code := strings.TrimSpace(d.Fields["code"]); code != "" {
			known[strings.ToUpper(code)] = true
		}
	}
	errs := wizard.ErrorMap{}
	for _, p := range a.Items("procedureCodes") {
		if strings.TrimSpace(p.Fields["placeOfService"]) == "" {
			errs[wizard.ItemKey("procedureCodes", p.ID, "placeOfService")] = "Place of service is required"
		}
		ptr := strings.ToUpper(strings.TrimSpace(p.Fields["diagnosisPointer"]))
		switch {
		case ptr == "":
			errs[wizard.ItemKey("procedureCodes", p.ID, "diagnosisPointer")] = "Diagnosis pointer is required"
		case !known[ptr]:
			errs[wizard.ItemKey("procedureCodes", p.ID, "diagnosisPointer")] = "Diagnosis pointer must match a diagnosis code on the claim"
		}
	}
	return errs
}

// TotalCharge sums charge × units across procedure lines. Lines that do not
// parse count as zero.
func TotalCharge(a wizard.Answers) float64 {
	var total float64
	for _, p := range a.Items("procedureCodes") {
		charge, err := strconv.ParseFloat(strings.TrimSpace(p.Fields["charge"]), 64)
		if err != nil {
			continue
		}
		units, err := strconv.Atoi(strings.TrimSpace(p.Fields["units"]))
		if err != nil {
			continue
		}
		total += charge * float64(units)
	}
	return total
}

func phases(delay time.Duration) []wizard.Phase {
	return []wizard.Phase{
		{Name: "validating", Message: "Validating claim", Progress: 25, Delay: delay, Run: validateTotals},
		{Name: "eligibility", Message: "Checking member eligibility", Progress: 50, Delay: delay, Run: checkEligibility},
		{Name: "transmitting", Message: "Transmitting to clearinghouse", Progress: 85, Delay: delay, Transmit: true},
		{Name: "accepted", Message: "Claim accepted", Progress: 100, Delay: delay},
	}
}

func validateTotals(_ context.Context, a wizard.Answers) error {
	if TotalCharge(a) <= 0 {
		return ErrZeroCharge
	}
	return nil
}

func checkEligibility(_ context.Context, a wizard.Answers) error {
	self := a.Text("relationship") == "self"
	primary := a.Text("dependantSequence") == "00"
	if self != primary {
		return fmt.Errorf("%w: relationship %q with sequence %q", ErrDependantSequence, a.Text("relationship"), a.Text("dependantSequence"))
	}
	return nil
}
