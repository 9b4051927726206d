package intake

import (
	"time"

	"github.com/ehr/backoffice/internal/domain/claims"
	"github.com/ehr/backoffice/internal/domain/eligibility"
	"github.com/ehr/backoffice/internal/domain/screening"
	"github.com/ehr/backoffice/internal/wizard"
)

// Registration binds a form definition to the role allowed to fill it and
// the prefix of its confirmation references.
type Registration struct {
	Form   *wizard.Form
	Role   string
	Prefix string
}

// Registry holds the forms the API can serve, in registration order.
type Registry struct {
	byID  map[string]Registration
	order []string
}

func NewRegistry(regs ...Registration) *Registry {
	r := &Registry{byID: make(map[string]Registration, len(regs))}
	for _, reg := range regs {
		if _, dup := r.byID[reg.Form.ID]; !dup {
			r.order = append(r.order, reg.Form.ID)
		}
		r.byID[reg.Form.ID] = reg
	}
	return r
}

// DefaultRegistry registers the claim, screening and eligibility forms with
// phaseDelay pacing each submission phase.
func DefaultRegistry(phaseDelay time.Duration) *Registry {
	return NewRegistry(
		Registration{Form: claims.New(phaseDelay), Role: claims.Role, Prefix: "CLM"},
		Registration{Form: screening.New(phaseDelay), Role: screening.Role, Prefix: "SCR"},
		Registration{Form: eligibility.New(phaseDelay), Role: eligibility.Role, Prefix: "ELG"},
	)
}

func (r *Registry) Get(formID string) (Registration, bool) {
	reg, ok := r.byID[formID]
	return reg, ok
}

func (r *Registry) List() []Registration {
	out := make([]Registration, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}
