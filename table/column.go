package table

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// userPrefix marks columns owned by callers of this client. Everything else
// is out-of-the-box and immutable from here.
const userPrefix = "u_"

// planColumns diffs desired columns against the flattened existing
// descriptor and appends one action per difference.
func (r *Reconciler) planColumns(desired, existing *Spec, plan *Plan) {
	me := r.client.Username()

	for _, id := range desired.ColumnNames() {
		col := desired.Columns[id]
		if col.Name != id {
			if _, taken := existing.Columns[id]; taken {
				plan.addError(id, "renaming column %s to %s is not supported", id, col.Name)
				continue
			}
		}

		cur, found := existing.Columns[col.Name]
		if !found {
			if !strings.HasPrefix(col.Name, userPrefix) {
				plan.addError(col.Name, "new columns must begin with %s", userPrefix)
				continue
			}
			r.planCreateColumn(existing.Name, col, plan)
			continue
		}

		// Type and reference table are immutable once created.
		if col.Type != cur.Type {
			plan.addError(col.Name, "type cannot change from %q to %q", cur.Type, col.Type)
			continue
		}
		if col.ReferenceTable != "" && col.ReferenceTable != cur.ReferenceTable {
			plan.addError(col.Name, "reference table cannot change from %q to %q",
				cur.ReferenceTable, col.ReferenceTable)
			continue
		}

		changes := columnDiff(col, cur)
		if len(changes) == 0 && !needsChoiceSync(col, cur) && !needsPolicySync(col, cur) {
			continue
		}
		if cur.Table != existing.Name {
			plan.addError(col.Name, "column is inherited from %s and cannot be updated here", cur.Table)
			continue
		}
		if !strings.HasPrefix(col.Name, userPrefix) {
			plan.addError(col.Name, "out-of-the-box column cannot be updated")
			continue
		}
		r.planUpdateColumn(existing.Name, col, cur, changes, plan)
	}

	// Deletes: user-owned columns on this table that the desired set no
	// longer mentions.
	desiredNames := map[string]bool{}
	for _, col := range desired.Columns {
		desiredNames[col.Name] = true
	}
	var names []string
	for name := range existing.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cur := existing.Columns[name]
		if desiredNames[name] ||
			!strings.HasPrefix(name, userPrefix) ||
			cur.Table != existing.Name ||
			cur.CreatedBy != me {
			continue
		}
		r.planDeleteColumn(existing.Name, cur, plan)
	}
}

// columnDiff returns the sys_dictionary fields that need updating, keyed by
// wire field name. Unset desired attributes are not compared. Choice-list
// and data-policy divergence live in satellite records and are checked
// separately.
func columnDiff(desired, current Column) map[string]string {
	changes := map[string]string{}
	if desired.Label != "" && desired.Label != current.Label {
		changes["column_label"] = desired.Label
	}
	if desired.MaxLength > 0 && desired.MaxLength != current.MaxLength {
		changes["max_length"] = strconv.Itoa(desired.MaxLength)
	}
	if desired.ChoiceMode != ChoiceOff && desired.ChoiceMode != current.ChoiceMode {
		changes["choice"] = desired.ChoiceMode.wire()
	}
	return changes
}

func needsChoiceSync(desired, current Column) bool {
	return len(desired.Choices) > 0 && !mapsEqual(desired.Choices, current.Choices)
}

func needsPolicySync(desired, current Column) bool {
	return desired.DataPolicy != PolicyNone && desired.DataPolicy != current.DataPolicy
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func (r *Reconciler) planCreateColumn(tableName string, col Column, plan *Plan) {
	body := map[string]string{
		"name":          tableName,
		"element":       col.Name,
		"internal_type": col.Type,
		"column_label":  col.Label,
	}
	if col.MaxLength > 0 {
		body["max_length"] = strconv.Itoa(col.MaxLength)
	}
	if col.ReferenceTable != "" {
		body["reference"] = col.ReferenceTable
	}
	if col.ChoiceMode != ChoiceOff {
		body["choice"] = col.ChoiceMode.wire()
	}

	plan.add(&Action{
		Name:        col.Name,
		Kind:        ActionCreate,
		Description: fmt.Sprintf("create %s column %s.%s", col.Type, tableName, col.Name),
		commit: func(ctx context.Context) error {
			if err := r.client.CreateRecord(ctx, "sys_dictionary", body); err != nil {
				return err
			}
			return r.syncColumnSatellites(ctx, tableName, col)
		},
	})
}

func (r *Reconciler) planUpdateColumn(tableName string, col, cur Column, changes map[string]string, plan *Plan) {
	var parts []string
	for field, val := range changes {
		parts = append(parts, field+"="+val)
	}
	sort.Strings(parts)
	if needsChoiceSync(col, cur) {
		parts = append(parts, "choice list")
	}
	if needsPolicySync(col, cur) {
		parts = append(parts, "data policy")
	}

	plan.add(&Action{
		Name:        col.Name,
		Kind:        ActionUpdate,
		Description: fmt.Sprintf("update %s.%s (%s)", tableName, col.Name, strings.Join(parts, ", ")),
		commit: func(ctx context.Context) error {
			if len(changes) > 0 {
				if err := r.client.UpdateRecord(ctx, "sys_dictionary", cur.SysID, changes); err != nil {
					return err
				}
			}
			return r.syncColumnSatellites(ctx, tableName, col)
		},
	})
}

func (r *Reconciler) planDeleteColumn(tableName string, cur Column, plan *Plan) {
	plan.add(&Action{
		Name:        cur.Name,
		Kind:        ActionDelete,
		Description: fmt.Sprintf("delete column %s.%s", tableName, cur.Name),
		commit: func(ctx context.Context) error {
			return r.client.DeleteRecord(ctx, "sys_dictionary", cur.SysID)
		},
	})
}

// syncColumnSatellites converges the choice list and data policy rule that
// hang off a column, when the desired column specifies them.
func (r *Reconciler) syncColumnSatellites(ctx context.Context, tableName string, col Column) error {
	if len(col.Choices) > 0 {
		if err := r.syncChoices(ctx, tableName, col.Name, col.Choices); err != nil {
			return err
		}
	}
	if col.DataPolicy != PolicyNone {
		if err := r.policy.ApplyRule(ctx, tableName, col.Name, col.DataPolicy); err != nil {
			return err
		}
	}
	return nil
}
