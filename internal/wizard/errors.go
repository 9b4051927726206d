package wizard

import "errors"

var (
	ErrStepInvalid          = errors.New("current step has validation errors")
	ErrNoNextStep           = errors.New("no next step: submit from the final step")
	ErrNoPreviousStep       = errors.New("already on the first step")
	ErrNotReviewStep        = errors.New("jumping is only allowed from a review step")
	ErrStepOutOfRange       = errors.New("step out of range")
	ErrStepNotApplicable    = errors.New("step does not apply to the current answers")
	ErrNotFinalStep         = errors.New("submission is only allowed from the final step")
	ErrUnknownField         = errors.New("unknown field")
	ErrUnknownCollection    = errors.New("unknown collection")
	ErrUnknownItem          = errors.New("unknown collection item")
	ErrInvalidValue         = errors.New("unsupported field value")
	ErrSubmitting           = errors.New("a submission is in progress")
	ErrSubmissionInProgress = errors.New("submission already in progress")
	ErrSubmitted            = errors.New("form already submitted")
	ErrAborted              = errors.New("submission aborted")
	ErrClosed               = errors.New("wizard session closed")
	ErrNoDraftStore         = errors.New("no draft store configured")
	ErrDraftNotFound        = errors.New("draft not found")
)
