package eligibility

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ehr/backoffice/internal/wizard"
)

func TestProviderStep(t *testing.T) {
	step := New(0).StepByID("provider")
	a := defaults()
	errs := step.Validate(a)
	for _, k := range []string{"npi", "providerFax", "providerZip", "providerEmail"} {
		if _, ok := errs[k]; !ok {
			t.Errorf("expected required error for %s", k)
		}
	}

	a["npi"] = "1234567893"
	a["providerFax"] = "555-010-2000"
	a["providerZip"] = "30301-1234"
	a["providerEmail"] = "eligibility@clinic"
	errs = step.Validate(a)
	if len(errs) != 1 || errs["providerEmail"] != "Enter a valid email address" {
		t.Errorf("expected only an email error, got %v", errs)
	}
}

func TestSubscriberStrategies(t *testing.T) {
	step := New(0).StepByID("subscriber")
	tests := []struct {
		name    string
		answers map[string]string
		want    []string
	}{
		{
			name:    "no strategy",
			answers: map[string]string{"payerId": "60054"},
			want:    []string{"idStrategy"},
		},
		{
			name:    "member id missing",
			answers: map[string]string{"payerId": "60054", "idStrategy": ByMemberID},
			want:    []string{"memberId"},
		},
		{
			name:    "member id",
			answers: map[string]string{"payerId": "60054", "idStrategy": ByMemberID, "memberId": "W123"},
		},
		{
			name:    "demographics missing",
			answers: map[string]string{"payerId": "60054", "idStrategy": ByDemographics},
			want:    []string{"subscriberFirstName", "subscriberLastName", "subscriberDob"},
		},
		{
			name: "demographics",
			answers: map[string]string{"payerId": "60054", "idStrategy": ByDemographics,
				"subscriberFirstName": "Lee", "subscriberLastName": "Park", "subscriberDob": "1988-02-29"},
		},
		{
			name: "member id with demographics",
			answers: map[string]string{"payerId": "60054", "idStrategy": ByMemberID,
				"memberId": "W123", "subscriberFirstName": "Lee", "subscriberLastName": "Park"},
			want: []string{"memberId", "subscriberFirstName", "subscriberLastName"},
		},
		{
			name: "demographics with member id",
			answers: map[string]string{"payerId": "60054", "idStrategy": ByDemographics, "memberId": "W123",
				"subscriberFirstName": "Lee", "subscriberLastName": "Park", "subscriberDob": "1988-02-29"},
			want: []string{"memberId", "subscriberLastName"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := defaults()
			for k, v := range tt.answers {
				a[k] = v
			}
			errs := step.Validate(a)
			if len(errs) != len(tt.want) {
				t.Fatalf("expected errors on %v, got %v", tt.want, errs)
			}
			for _, k := range tt.want {
				if _, ok := errs[k]; !ok {
					t.Errorf("expected error on %s, got %v", k, errs)
				}
			}
		})
	}
}

func TestSubmitEligibilityRequest(t *testing.T) {
	var sent wizard.Answers
	c := wizard.NewController(New(0), wizard.WithSubmitter(wizard.SubmitterFunc(
		func(_ context.Context, _ string, a wizard.Answers) (string, error) {
			sent = a
			return "ELG-7", nil
		})))
	steps := [][]string{
		{"npi", "1234567893", "providerFax", "555-010-2000", "providerZip", "30301", "providerEmail", "desk@clinic.example"},
		{"payerId", "60054", "idStrategy", ByMemberID, "memberId", "W123"},
		{"serviceType", "vision", "serviceDate", "2026-11-02"},
	}
	for _, kv := range steps {
		for i := 0; i < len(kv); i += 2 {
			if err := c.UpdateField(kv[i], kv[i+1]); err != nil {
				t.Fatal(err)
			}
		}
		if res, err := c.GoNext(); err != nil {
			t.Fatalf("GoNext: %v %v", err, res.Errors)
		}
	}
	if err := c.UpdateField("attested", true); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := c.Submit().Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted || res.Reference != "ELG-7" {
		t.Fatalf("expected acceptance, got %+v", res)
	}
	if sent.Text("memberId") != "W123" {
		t.Error("submitter receives the answers")
	}
	if _, err := c.GoBack(); !errors.Is(err, wizard.ErrSubmitted) {
		t.Errorf("submitted request is final, got %v", err)
	}
}
