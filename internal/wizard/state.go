package wizard

// State is the mutable data model of one wizard session. Callers only ever
// see deep copies of it.
type State struct {
	FormID    string `json:"formId"`
	StepIndex int    `json:"stepIndex"`
	StepID    string `json:"stepId"`
	StepCount int    `json:"stepCount"`

	Answers Answers         `json:"answers"`
	Errors  ErrorMap        `json:"errors"`
	Touched map[string]bool `json:"touched"`
	Valid   map[string]bool `json:"valid"`

	Submitting    bool `json:"isSubmitting"`
	Transitioning bool `json:"isTransitioning"`
	Submitted     bool `json:"submitted"`

	Progress      int    `json:"progress"`
	StatusMessage string `json:"statusMessage,omitempty"`
	LastFailure   string `json:"lastFailure,omitempty"`
	Confirmation  string `json:"confirmation,omitempty"`
}

// Terminal reports whether the state sits on the absorbing submitted step.
func (s State) Terminal() bool {
	return s.StepIndex == s.StepCount+1
}

func (s State) clone() State {
	out := s
	out.Answers = s.Answers.Clone()
	out.Errors = s.Errors.Clone()
	out.Touched = cloneFlags(s.Touched)
	out.Valid = cloneFlags(s.Valid)
	return out
}

func cloneFlags(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
