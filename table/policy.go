package table

import (
	"context"
	"strconv"

	"github.com/datamart/snsync/client"
	"github.com/datamart/snsync/sncerr"
)

// PolicyReconciler owns the single user-scoped data policy of each table.
// The policy record selects rows created by the authenticated user; its
// rules mark individual columns readonly or writable. Toggle flips the
// whole policy off and on around bulk row writes.
type PolicyReconciler struct {
	client *client.Client
}

// NewPolicyReconciler builds a data-policy sub-reconciler.
func NewPolicyReconciler(c *client.Client) *PolicyReconciler {
	return &PolicyReconciler{client: c}
}

// find returns the sys_id of the user-owned policy for table, or "".
func (p *PolicyReconciler) find(ctx context.Context, tableName string) (string, error) {
	rows, err := p.client.GetWireRecords(ctx, "sys_data_policy2", client.GetRecordsOptions{
		Query: "model_table=" + tableName + "^sys_created_by=" + p.client.Username(),
	})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return wireString(rows[0], "sys_id"), nil
}

// ensure returns the policy sys_id, creating the record with its canonical
// fields when absent.
func (p *PolicyReconciler) ensure(ctx context.Context, tableName string) (string, error) {
	id, err := p.find(ctx, tableName)
	if err != nil || id != "" {
		return id, err
	}

	me := p.client.Username()
	err = p.client.CreateRecord(ctx, "sys_data_policy2", map[string]string{
		"model_table":       tableName,
		"short_description": "Managed data policy for " + tableName,
		"conditions":        "sys_created_by=" + me + "^EQ",
		"apply_import_set":  "true",
		"apply_soap":        "false",
		"enforce_ui":        "true",
		"inherit":           "false",
		"active":            "true",
	})
	if err != nil {
		return "", err
	}

	id, err = p.find(ctx, tableName)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", sncerr.New(sncerr.Operational, "data policy for %s not found after creation", tableName)
	}
	return id, nil
}

// ApplyRule upserts the per-column policy rule. Rules are diffed by field.
func (p *PolicyReconciler) ApplyRule(ctx context.Context, tableName, field string, policy DataPolicy) error {
	id, err := p.ensure(ctx, tableName)
	if err != nil {
		return err
	}

	disabled := strconv.FormatBool(policy == PolicyReadonly)
	rows, err := p.client.GetWireRecords(ctx, "sys_data_policy_rule", client.GetRecordsOptions{
		Query: "sys_data_policy=" + id + "^field=" + field,
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return p.client.CreateRecord(ctx, "sys_data_policy_rule", map[string]string{
			"sys_data_policy": id,
			"table":           tableName,
			"field":           field,
			"disabled":        disabled,
			"mandatory":       "ignore",
		})
	}
	if wireString(rows[0], "disabled") == disabled {
		return nil
	}
	return p.client.UpdateRecord(ctx, "sys_data_policy_rule", wireString(rows[0], "sys_id"),
		map[string]string{"disabled": disabled})
}

// PruneRules deletes policy rules for fields outside keep. Separate from
// ApplyRule because rule deletion is opt-in.
func (p *PolicyReconciler) PruneRules(ctx context.Context, tableName string, keep map[string]bool) error {
	id, err := p.find(ctx, tableName)
	if err != nil || id == "" {
		return err
	}
	rows, err := p.client.GetWireRecords(ctx, "sys_data_policy_rule", client.GetRecordsOptions{
		Query: "sys_data_policy=" + id,
	})
	if err != nil {
		return err
	}
	for _, row := range rows {
		if keep[wireString(row, "field")] {
			continue
		}
		if err := p.client.DeleteRecord(ctx, "sys_data_policy_rule", wireString(row, "sys_id")); err != nil {
			return err
		}
	}
	return nil
}

// Toggle flips the policy's active flag. Tables without a managed policy
// are a no-op.
func (p *PolicyReconciler) Toggle(ctx context.Context, tableName string, active bool) error {
	id, err := p.find(ctx, tableName)
	if err != nil || id == "" {
		return err
	}
	return p.client.UpdateRecord(ctx, "sys_data_policy2", id,
		map[string]string{"active": strconv.FormatBool(active)})
}
