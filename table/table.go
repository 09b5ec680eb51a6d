// Package table reconciles declarative table descriptors against the remote
// instance: the table record itself, its columns, choice lists, data
// policies, and CI relationships. Planning produces pending actions; commit
// executes them in order.
package table

import (
	"context"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datamart/snsync/client"
	"github.com/datamart/snsync/coerce"
	"github.com/datamart/snsync/sncerr"
)

// ChoiceMode is how strictly a choice list binds a column. The wire form is
// the sys_dictionary choice field: 1, 2, or 3.
type ChoiceMode string

const (
	ChoiceOff        ChoiceMode = ""
	ChoiceNullable   ChoiceMode = "nullable"
	ChoiceSuggestion ChoiceMode = "suggestion"
	ChoiceRequired   ChoiceMode = "required"
)

func (m ChoiceMode) wire() string {
	switch m {
	case ChoiceNullable:
		return "1"
	case ChoiceSuggestion:
		return "2"
	case ChoiceRequired:
		return "3"
	}
	return ""
}

func choiceModeFromWire(s string) ChoiceMode {
	switch s {
	case "1":
		return ChoiceNullable
	case "2":
		return ChoiceSuggestion
	case "3":
		return ChoiceRequired
	}
	return ChoiceOff
}

// DataPolicy marks a column readonly or writable via a data policy rule.
type DataPolicy string

const (
	PolicyNone     DataPolicy = ""
	PolicyReadonly DataPolicy = "readonly"
	PolicyWritable DataPolicy = "writable"
)

// Column is one column of a table descriptor.
type Column struct {
	Name           string
	Type           string
	Label          string
	MaxLength      int
	ReferenceTable string

	// Choices maps value to label. A non-empty map implies a ChoiceMode
	// of at least nullable.
	Choices    map[string]string
	ChoiceMode ChoiceMode

	DataPolicy DataPolicy
	Syncback   bool

	// Table is the most specific ancestor defining the column. Set on
	// descriptors read from the instance.
	Table      string
	Overridden bool
	CreatedBy  string
	SysID      string
}

// Spec is a table descriptor: desired state on the way in, flattened
// current state on the way out of Get.
type Spec struct {
	Name       string
	Label      string
	Parent     string
	Extendable bool
	SysID      string

	// Columns is keyed by the caller's column id. The key normally equals
	// Column.Name; a divergence on an existing column is a rename, which
	// the instance does not support.
	Columns map[string]Column

	// order preserves the caller's column iteration order for commits.
	order []string
}

// ColumnNames returns column keys in planning order. Descriptors read from
// the instance are sorted; desired descriptors keep insertion order when
// built through AddColumn.
func (s *Spec) ColumnNames() []string {
	if len(s.order) == len(s.Columns) {
		return s.order
	}
	names := make([]string, 0, len(s.Columns))
	for n := range s.Columns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AddColumn appends a column, preserving order for commit.
func (s *Spec) AddColumn(col Column) {
	if s.Columns == nil {
		s.Columns = map[string]Column{}
	}
	s.Columns[col.Name] = col
	s.order = append(s.order, col.Name)
}

// creationSettle is how long to wait after creating a table before
// re-reading it, so the instance can materialize inherited columns.
var creationSettle = 2 * time.Second

// Reconciler plans and commits table shape changes. It holds the client
// non-cyclically; sub-reconcilers are methods, not back-references.
type Reconciler struct {
	client *client.Client
	policy *PolicyReconciler
}

// New builds a table reconciler.
func New(c *client.Client) *Reconciler {
	return &Reconciler{client: c, policy: NewPolicyReconciler(c)}
}

// Policy exposes the data-policy sub-reconciler, used directly by the row
// delta-merge for toggle bracketing.
func (r *Reconciler) Policy() *PolicyReconciler { return r.policy }

// level is the raw metadata of one table in an inheritance chain.
type level struct {
	record  map[string]interface{}
	dict    []map[string]interface{}
	choices []map[string]interface{}
	rules   []map[string]interface{}
	docs    []map[string]interface{}
}

// Get reads the flattened descriptor for a table by name or sys_id. A nil
// descriptor with nil error means the table does not exist.
func (r *Reconciler) Get(ctx context.Context, nameOrID string) (*Spec, error) {
	rec, err := r.tableRecord(ctx, nameOrID)
	if err != nil || rec == nil {
		return nil, err
	}

	// Walk the inheritance chain from the table to the root.
	var chain []level
	for rec != nil {
		lvl, err := r.fetchLevel(ctx, rec)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *lvl)

		super := wireString(rec, "super_class")
		if super == "" {
			break
		}
		rec, err = r.tableRecord(ctx, super)
		if err != nil {
			return nil, err
		}
	}

	spec := &Spec{
		Name:       wireString(chain[0].record, "name"),
		Label:      wireString(chain[0].record, "label"),
		Extendable: wireString(chain[0].record, "is_extendable") == "true",
		SysID:      wireString(chain[0].record, "sys_id"),
		Columns:    map[string]Column{},
	}
	if len(chain) > 1 {
		spec.Parent = wireString(chain[1].record, "name")
	}

	// Merge root-first so structural fields come from the original
	// definition while more specific levels overwrite table, labels, and
	// docs.
	for i := len(chain) - 1; i >= 0; i-- {
		mergeLevel(spec, chain[i])
	}
	return spec, nil
}

// tableRecord fetches one sys_db_object row by name or sys_id.
func (r *Reconciler) tableRecord(ctx context.Context, nameOrID string) (map[string]interface{}, error) {
	query := "name=" + nameOrID
	if coerce.IsGUID(nameOrID) {
		query = "sys_id=" + nameOrID
	}
	rows, err := r.client.GetWireRecords(ctx, "sys_db_object", client.GetRecordsOptions{Query: query})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// fetchLevel reads the column metadata of one table in parallel.
func (r *Reconciler) fetchLevel(ctx context.Context, rec map[string]interface{}) (*level, error) {
	name := wireString(rec, "name")
	lvl := &level{record: rec}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := r.client.GetWireRecords(gctx, "sys_dictionary",
			client.GetRecordsOptions{Query: "name=" + name})
		lvl.dict = rows
		return err
	})
	g.Go(func() error {
		rows, err := r.client.GetWireRecords(gctx, "sys_choice",
			client.GetRecordsOptions{Query: "name=" + name})
		lvl.choices = rows
		return err
	})
	g.Go(func() error {
		rows, err := r.client.GetWireRecords(gctx, "sys_data_policy_rule",
			client.GetRecordsOptions{Query: "table=" + name + "^sys_created_by=" + r.client.Username()})
		lvl.rules = rows
		return err
	})
	g.Go(func() error {
		rows, err := r.client.GetWireRecords(gctx, "sys_documentation",
			client.GetRecordsOptions{Query: "name=" + name})
		lvl.docs = rows
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lvl, nil
}

// mergeLevel folds one inheritance level into the descriptor. The first
// occurrence of a column keeps its structural fields; each level seen after
// that marks it overridden and refreshes table, label, and docs.
func mergeLevel(spec *Spec, lvl level) {
	table := wireString(lvl.record, "name")

	choicesByElement := map[string]map[string]string{}
	for _, row := range lvl.choices {
		el := wireString(row, "element")
		if choicesByElement[el] == nil {
			choicesByElement[el] = map[string]string{}
		}
		choicesByElement[el][wireString(row, "value")] = wireString(row, "label")
	}
	rulesByField := map[string]DataPolicy{}
	for _, row := range lvl.rules {
		policy := PolicyWritable
		if wireString(row, "disabled") == "true" {
			policy = PolicyReadonly
		}
		rulesByField[wireString(row, "field")] = policy
	}
	docsByElement := map[string]string{}
	for _, row := range lvl.docs {
		docsByElement[wireString(row, "element")] = wireString(row, "label")
	}

	for _, row := range lvl.dict {
		el := wireString(row, "element")
		if el == "" {
			// The collection row describes the table itself.
			continue
		}
		if wireString(row, "sys_update_name") == "sys_dictionary_"+table+"_null" {
			continue
		}

		existing, seen := spec.Columns[el]
		col := existing
		if !seen {
			maxLen, _ := strconv.Atoi(wireString(row, "max_length"))
			col = Column{
				Name:           el,
				Type:           wireString(row, "internal_type"),
				MaxLength:      maxLen,
				ReferenceTable: wireString(row, "reference"),
				ChoiceMode:     choiceModeFromWire(wireString(row, "choice")),
				CreatedBy:      wireString(row, "sys_created_by"),
				SysID:          wireString(row, "sys_id"),
			}
		} else {
			col.Overridden = true
		}

		col.Table = table
		col.Label = wireString(row, "column_label")
		if doc, ok := docsByElement[el]; ok && doc != "" {
			col.Label = doc
		}
		if ch, ok := choicesByElement[el]; ok && len(ch) > 0 {
			col.Choices = ch
		}
		if p, ok := rulesByField[el]; ok {
			col.DataPolicy = p
		}
		spec.Columns[el] = col
	}
}

// Sync plans the changes taking the remote table to the desired shape and,
// when commit is set, executes them. The returned plan reflects the state
// before any writes.
func (r *Reconciler) Sync(ctx context.Context, desired *Spec, commit bool) (*Plan, error) {
	if err := normalize(desired); err != nil {
		return nil, err
	}

	existing, err := r.Get(ctx, desired.Name)
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	if existing == nil {
		if err := r.planCreateTable(ctx, desired, plan); err != nil {
			return nil, err
		}
		// Every desired column is missing on a table that does not exist,
		// so the plan carries one create per column as well.
		r.planColumns(desired, &Spec{Name: desired.Name, Columns: map[string]Column{}}, plan)
		if commit {
			if err := plan.Commit(ctx); err != nil {
				return plan, err
			}
			// Give the instance a moment to materialize the inherited
			// columns, then converge the rest.
			select {
			case <-time.After(creationSettle):
			case <-ctx.Done():
				return plan, ctx.Err()
			}
			if _, err := r.Sync(ctx, desired, true); err != nil {
				return plan, err
			}
		}
		return plan, nil
	}

	if desired.Parent != "" && desired.Parent != existing.Parent {
		plan.addError(desired.Name, "parent table cannot change from %q to %q",
			existing.Parent, desired.Parent)
	}

	r.planColumns(desired, existing, plan)

	if commit {
		return plan, plan.Commit(ctx)
	}
	return plan, nil
}

// planCreateTable emits the create-table action plus a create per desired
// column.
func (r *Reconciler) planCreateTable(ctx context.Context, desired *Spec, plan *Plan) error {
	body := map[string]string{
		"name":  desired.Name,
		"label": desired.Label,
	}
	if desired.Extendable {
		body["is_extendable"] = "true"
	}
	if desired.Parent != "" {
		parent, err := r.Get(ctx, desired.Parent)
		if err != nil {
			return err
		}
		if parent == nil {
			plan.addError(desired.Name, "parent table %q does not exist", desired.Parent)
			return nil
		}
		if !parent.Extendable {
			plan.addError(desired.Name, "parent table %q is not extendable", desired.Parent)
			return nil
		}
		body["super_class"] = parent.SysID
	}

	plan.add(&Action{
		Name:        desired.Name,
		Kind:        ActionCreate,
		Description: "create table " + desired.Name,
		commit: func(ctx context.Context) error {
			return r.client.CreateRecord(ctx, "sys_db_object", body)
		},
	})
	return nil
}

// normalize fills column names from map keys and applies the choice-map
// implication before planning.
func normalize(desired *Spec) error {
	if desired.Name == "" {
		return sncerr.New(sncerr.Plan, "desired table has no name")
	}
	for id, col := range desired.Columns {
		if col.Name == "" {
			col.Name = id
		}
		if len(col.Choices) > 0 && col.ChoiceMode == ChoiceOff {
			col.ChoiceMode = ChoiceNullable
		}
		if col.Type == "" {
			return sncerr.New(sncerr.Plan, "column %s.%s has no type", desired.Name, id)
		}
		desired.Columns[id] = col
	}
	return nil
}

func wireString(row map[string]interface{}, key string) string {
	s, _ := row[key].(string)
	return s
}
