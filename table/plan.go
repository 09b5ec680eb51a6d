package table

import (
	"context"
	"fmt"
	"strings"

	"github.com/datamart/snsync/sncerr"
)

// ActionKind classifies a pending action.
type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
	// ActionError records a planning failure. It carries no commit and
	// poisons the whole plan.
	ActionError ActionKind = "error"
)

// Action is one pending change produced by planning. Error actions have a
// nil commit.
type Action struct {
	Name        string
	Kind        ActionKind
	Description string

	commit func(ctx context.Context) error
}

func (a *Action) String() string {
	return fmt.Sprintf("%s %s: %s", a.Kind, a.Name, a.Description)
}

// Plan is an ordered list of pending actions. Commit order is the order of
// planning: table-level action first, then columns in input order.
type Plan struct {
	Actions []*Action
}

func (p *Plan) add(a *Action) { p.Actions = append(p.Actions, a) }

func (p *Plan) addError(name, format string, args ...interface{}) {
	p.add(&Action{Name: name, Kind: ActionError, Description: fmt.Sprintf(format, args...)})
}

// Errors returns the error actions.
func (p *Plan) Errors() []*Action {
	var out []*Action
	for _, a := range p.Actions {
		if a.Kind == ActionError {
			out = append(out, a)
		}
	}
	return out
}

// Empty reports whether the plan contains no actions at all.
func (p *Plan) Empty() bool { return len(p.Actions) == 0 }

// Commit executes the plan in order. Any error action aborts before the
// first write, reporting all of them collectively.
func (p *Plan) Commit(ctx context.Context) error {
	if errs := p.Errors(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, a := range errs {
			msgs[i] = a.String()
		}
		return sncerr.New(sncerr.Plan, "refusing to commit a plan with %d errors: %s",
			len(errs), strings.Join(msgs, "; "))
	}
	for _, a := range p.Actions {
		if err := a.commit(ctx); err != nil {
			return fmt.Errorf("committing %s %s: %w", a.Kind, a.Name, err)
		}
	}
	return nil
}
