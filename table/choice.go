package table

import (
	"context"

	"github.com/datamart/snsync/client"
)

// syncChoices converges the sys_choice rows of one column with a desired
// value-to-label map. The diff is indexed by value: missing values are
// created, label or inactive mismatches updated, extra values deleted.
func (r *Reconciler) syncChoices(ctx context.Context, tableName, element string, desired map[string]string) error {
	existing, err := r.client.GetWireRecords(ctx, "sys_choice", client.GetRecordsOptions{
		Query: "name=" + tableName + "^element=" + element,
	})
	if err != nil {
		return err
	}

	byValue := map[string]map[string]interface{}{}
	for _, row := range existing {
		byValue[wireString(row, "value")] = row
	}

	for value, label := range desired {
		cur, found := byValue[value]
		if !found {
			err := r.client.CreateRecord(ctx, "sys_choice", map[string]string{
				"name":     tableName,
				"element":  element,
				"value":    value,
				"label":    label,
				"inactive": "false",
			})
			if err != nil {
				return err
			}
			continue
		}
		if wireString(cur, "label") != label || wireString(cur, "inactive") == "true" {
			err := r.client.UpdateRecord(ctx, "sys_choice", wireString(cur, "sys_id"), map[string]string{
				"label":    label,
				"inactive": "false",
			})
			if err != nil {
				return err
			}
		}
	}

	for value, cur := range byValue {
		if _, wanted := desired[value]; wanted {
			continue
		}
		if err := r.client.DeleteRecord(ctx, "sys_choice", wireString(cur, "sys_id")); err != nil {
			return err
		}
	}
	return nil
}
