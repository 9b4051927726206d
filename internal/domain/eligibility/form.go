// Package eligibility defines the manual eligibility request form.
package eligibility

import (
	"time"

	"github.com/ehr/backoffice/internal/wizard"
)

const (
	FormID = "eligibility"
	Role   = "front_desk"
)

// Subscriber identification strategies.
const (
	ByMemberID     = "memberId"
	ByDemographics = "demographics"
)

var serviceTypes = []string{"medical", "dental", "vision", "pharmacy", "mental_health"}

var demographicKeys = []string{"subscriberFirstName", "subscriberLastName", "subscriberDob"}

func defaults() wizard.Answers {
	return wizard.Answers{
		"npi":                 "",
		"providerFax":         "",
		"providerZip":         "",
		"providerEmail":       "",
		"payerId":             "",
		"idStrategy":          "",
		"memberId":            "",
		"subscriberFirstName": "",
		"subscriberLastName":  "",
		"subscriberDob":       "",
		"serviceType":         "",
		"serviceDate":         "",
		"notes":               "",
		"attested":            false,
	}
}

// New builds the eligibility form. phaseDelay paces each submission phase.
func New(phaseDelay time.Duration) *wizard.Form {
	provider := &wizard.Step{
		ID:    "provider",
		Title: "Requesting provider",
		Fields: []wizard.Field{
			{Key: "npi", Label: "NPI", Validators: []wizard.Validator{
				wizard.Required("NPI is required"),
				wizard.Digits(10, "NPI must be 10 digits"),
			}},
			{Key: "providerFax", Label: "Fax", Validators: []wizard.Validator{
				wizard.Required("Fax is required"),
				wizard.Pattern(wizard.FaxPattern, "Fax must look like 555-555-5555"),
			}},
			{Key: "providerZip", Label: "ZIP code", Validators: []wizard.Validator{
				wizard.Required("ZIP code is required"),
				wizard.Pattern(wizard.ZIPPattern, "ZIP code must be 12345 or 12345-6789"),
			}},
			{Key: "providerEmail", Label: "Email", Validators: []wizard.Validator{
				wizard.Required("Email is required"),
				wizard.Email("Enter a valid email address"),
			}},
		},
	}

	subscriber := &wizard.Step{
		ID:    "subscriber",
		Title: "Subscriber",
		Fields: []wizard.Field{
			{Key: "payerId", Label: "Payer ID", Validators: []wizard.Validator{
				wizard.Required("Payer ID is required"),
				wizard.MaxLength(15, "Payer ID must be at most 15 characters"),
			}},
			{Key: "idStrategy", Label: "Identify subscriber by", Validators: []wizard.Validator{
				wizard.Required("Choose how to identify the subscriber"),
				wizard.OneOf([]string{ByMemberID, ByDemographics}, "Choose member ID or demographics"),
			}},
			{Key: "memberId", Label: "Member ID", Validators: []wizard.Validator{
				wizard.RequiredIf("idStrategy", ByMemberID, "Member ID is required"),
			}},
			{Key: "subscriberFirstName", Label: "First name", Validators: []wizard.Validator{
				wizard.RequiredIf("idStrategy", ByDemographics, "First name is required"),
			}},
			{Key: "subscriberLastName", Label: "Last name", Validators: []wizard.Validator{
				wizard.RequiredIf("idStrategy", ByDemographics, "Last name is required"),
			}},
			{Key: "subscriberDob", Label: "Date of birth", Validators: []wizard.Validator{
				wizard.RequiredIf("idStrategy", ByDemographics, "Date of birth is required"),
				wizard.Pattern(wizard.DatePattern, "Date of birth must be YYYY-MM-DD"),
			}},
		},
		Groups: []wizard.Group{{
			Keys:    []string{"memberId", "subscriberLastName"},
			Mode:    wizard.AtMostOne,
			Message: "Identify the subscriber by member ID or by demographics, not both",
		}},
		Checks: []wizard.Check{{
			Keys: append([]string{"idStrategy", "memberId"}, demographicKeys...),
			Fn:   checkStrategyExclusive,
		}},
	}

	service := &wizard.Step{
		ID:    "service",
		Title: "Service",
		Fields: []wizard.Field{
			{Key: "serviceType", Label: "Service type", Validators: []wizard.Validator{
				wizard.Required("Service type is required"),
				wizard.OneOf(serviceTypes, "Select a service type"),
			}},
			{Key: "serviceDate", Label: "Date of service", Validators: []wizard.Validator{
				wizard.Required("Date of service is required"),
				wizard.Pattern(wizard.DatePattern, "Date of service must be YYYY-MM-DD"),
			}},
			{Key: "notes", Label: "Notes", Validators: []wizard.Validator{
				wizard.MaxLength(500, "Notes must be at most 500 characters"),
			}},
		},
	}

	review := &wizard.Step{
		ID:     "review",
		Title:  "Review",
		Review: true,
		Fields: []wizard.Field{
			{Key: "attested", Label: "Patient consent on file", Validators: []wizard.Validator{
				wizard.Checked("Confirm patient consent is on file"),
			}},
		},
	}

	return wizard.MustNew(FormID, "Manual eligibility request", defaults(), phases(phaseDelay),
		provider, subscriber, service, review)
}

// checkStrategyExclusive rejects values entered for the strategy that was
// not chosen.
func checkStrategyExclusive(a wizard.Answers) wizard.ErrorMap {
	errs := wizard.ErrorMap{}
	switch a.Text("idStrategy") {
	case ByMemberID:
		for _, k := range demographicKeys {
			if a.Text(k) != "" {
				errs[k] = "Clear demographics when identifying by member ID"
			}
		}
	case ByDemographics:
		if a.Text("memberId") != "" {
			errs["memberId"] = "Clear the member ID when identifying by demographics"
		}
	}
	return errs
}

func phases(delay time.Duration) []wizard.Phase {
	return []wizard.Phase{
		{Name: "validating", Message: "Validating request", Progress: 30, Delay: delay},
		{Name: "contacting", Message: "Contacting payer", Progress: 80, Delay: delay, Transmit: true},
		{Name: "received", Message: "Eligibility request received", Progress: 100, Delay: delay},
	}
}
