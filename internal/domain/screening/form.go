// Package screening defines the diabetic retinal screening wizard.
package screening

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/ehr/backoffice/internal/wizard"
)

const (
	FormID = "screening"
	Role   = "clinical"
)

var (
	spherePattern   = regexp.MustCompile(`^[+-]?\d{1,2}(\.(00|25|50|75))?$`)
	cylinderPattern = regexp.MustCompile(`^[+-]?\d{1,2}(\.(00|25|50|75))?$`)
	axisPattern     = regexp.MustCompile(`^(180|1[0-7]\d|\d{1,2})$`)
	a1cPattern      = regexp.MustCompile(`^\d{1,2}(\.\d)?$`)
)

var yesNo = []string{"yes", "no"}

var diabetesTypes = []string{"type1", "type2", "gestational", "other"}

var notDilatedReasons = []string{"patient_declined", "contraindicated", "not_needed", "other"}

var imageQualities = []string{"good", "fair", "poor"}

// ErrNoGradableImage rejects a screening whose images are all ungradable.
var ErrNoGradableImage = errors.New("at least one gradable image is required")

func defaults() wizard.Answers {
	return wizard.Answers{
		"patientName":      "",
		"patientDob":       "",
		"mrn":              "",
		"isDiabetic":       "",
		"diabetesType":     "",
		"lastA1c":          "",
		"dilated":          "",
		"reasonNotDilated": "",
		"reasonOther":      "",
		"odSphere":         "",
		"odCylinder":       "",
		"odAxis":           "",
		"osSphere":         "",
		"osCylinder":       "",
		"osAxis":           "",
		"odImageQuality":   "",
		"osImageQuality":   "",
		"attested":         false,
	}
}

// Dilated reports whether the pupils were dilated for the exam.
func Dilated(a wizard.Answers) bool {
	return a.Text("dilated") == "yes"
}

func eye(prefix, side string) []wizard.Field {
	return []wizard.Field{
		{Key: prefix + "Sphere", Label: side + " sphere", Validators: []wizard.Validator{
			wizard.Pattern(spherePattern, side+" sphere must be in quarter steps, e.g. +4.25"),
		}},
		{Key: prefix + "Cylinder", Label: side + " cylinder", Validators: []wizard.Validator{
			wizard.RequiredWhenSet(prefix+"Sphere", side+" cylinder is required when sphere is entered"),
			wizard.Pattern(cylinderPattern, side+" cylinder must be in quarter steps"),
		}},
		{Key: prefix + "Axis", Label: side + " axis", Validators: []wizard.Validator{
			wizard.RequiredWhenSet(prefix+"Cylinder", side+" axis is required when cylinder is entered"),
			wizard.Pattern(axisPattern, side+" axis must be between 0 and 180"),
		}},
	}
}

// New builds the screening form. phaseDelay paces each submission phase.
func New(phaseDelay time.Duration) *wizard.Form {
	patient := &wizard.Step{
		ID:    "patient",
		Title: "Patient",
		Fields: []wizard.Field{
			{Key: "patientName", Label: "Patient name", Validators: []wizard.Validator{wizard.Required("Patient name is required")}},
			{Key: "patientDob", Label: "Date of birth", Validators: []wizard.Validator{
				wizard.Required("Date of birth is required"),
				wizard.Pattern(wizard.DatePattern, "Date of birth must be YYYY-MM-DD"),
			}},
			{Key: "mrn", Label: "MRN", Validators: []wizard.Validator{wizard.MaxLength(20, "MRN must be at most 20 characters")}},
		},
	}

	history := &wizard.Step{
		ID:    "history",
		Title: "Diabetes history",
		Fields: []wizard.Field{
			{Key: "isDiabetic", Label: "Is the patient diabetic?", Validators: []wizard.Validator{
				wizard.Required("Select whether the patient is diabetic"),
				wizard.OneOf(yesNo, "Answer yes or no"),
			}},
			{Key: "diabetesType", Label: "Diabetes type", Validators: []wizard.Validator{
				wizard.RequiredIf("isDiabetic", "yes", "Diabetes type is required"),
				wizard.OneOf(diabetesTypes, "Select a diabetes type"),
			}},
			{Key: "lastA1c", Label: "Last HbA1c (%)", Validators: []wizard.Validator{
				wizard.Pattern(a1cPattern, "HbA1c must be a percentage like 7.2"),
			}},
		},
	}

	dilation := &wizard.Step{
		ID:    "dilation",
		Title: "Dilation",
		Fields: []wizard.Field{
			{Key: "dilated", Label: "Were the pupils dilated?", Validators: []wizard.Validator{
				wizard.Required("Select whether the pupils were dilated"),
				wizard.OneOf(yesNo, "Answer yes or no"),
			}},
			{Key: "reasonNotDilated", Label: "Reason for not dilating", Validators: []wizard.Validator{
				wizard.RequiredIf("dilated", "no", "Reason for not dilating is required"),
				wizard.OneOf(notDilatedReasons, "Select a reason"),
			}},
			{Key: "reasonOther", Label: "Other reason", Validators: []wizard.Validator{
				wizard.RequiredIf("reasonNotDilated", "other", "Describe the reason for not dilating"),
				wizard.MaxLength(200, "Reason must be at most 200 characters"),
			}},
		},
	}

	prescription := &wizard.Step{
		ID:     "prescription",
		Title:  "Current prescription",
		Fields: append(eye("od", "Right"), eye("os", "Left")...),
		Groups: []wizard.Group{{
			Keys:    []string{"odSphere", "osSphere"},
			Mode:    wizard.AtLeastOne,
			Message: "Enter a sphere for at least one eye",
		}},
	}

	images := &wizard.Step{
		ID:         "images",
		Title:      "Retinal images",
		Applicable: Dilated,
		Fields: []wizard.Field{
			{Key: "odImageQuality", Label: "Right eye image quality", Validators: []wizard.Validator{
				wizard.Required("Right eye image quality is required"),
				wizard.OneOf(imageQualities, "Select good, fair or poor"),
			}},
			{Key: "osImageQuality", Label: "Left eye image quality", Validators: []wizard.Validator{
				wizard.Required("Left eye image quality is required"),
				wizard.OneOf(imageQualities, "Select good, fair or poor"),
			}},
		},
	}

	review := &wizard.Step{
		ID:     "review",
		Title:  "Review",
		Review: true,
		Fields: []wizard.Field{
			{Key: "attested", Label: "Screening complete", Validators: []wizard.Validator{
				wizard.Checked("Confirm the screening is complete"),
			}},
		},
	}

	return wizard.MustNew(FormID, "Diabetic retinal screening", defaults(), phases(phaseDelay),
		patient, history, dilation, prescription, images, review)
}

func phases(delay time.Duration) []wizard.Phase {
	return []wizard.Phase{
		{Name: "validating", Message: "Validating screening", Progress: 30, Delay: delay, Run: checkGradable},
		{Name: "queueing", Message: "Queueing images for grading", Progress: 60, Delay: delay},
		{Name: "transmitting", Message: "Sending to the reading center", Progress: 90, Delay: delay, Transmit: true},
		{Name: "done", Message: "Screening recorded", Progress: 100, Delay: delay},
	}
}

func checkGradable(_ context.Context, a wizard.Answers) error {
	if !Dilated(a) {
		return nil
	}
	if a.Text("odImageQuality") == "poor" && a.Text("osImageQuality") == "poor" {
		return ErrNoGradableImage
	}
	return nil
}
