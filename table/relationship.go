package table

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/datamart/snsync/client"
	"github.com/datamart/snsync/sncerr"
)

// SyncRelationships converges cmdb_rel_ci records for a set of rows.
// columns maps a reference column name to a relationship descriptor pair
// "parent::child" naming a cmdb_rel_type. Each row must carry a sys_id plus
// one reference value per relationship column; an empty value means the row
// is disconnected and any existing relationship is deleted.
func (r *Reconciler) SyncRelationships(ctx context.Context, tableName string, columns map[string]string, rows []map[string]string, commit bool) (*Plan, error) {
	plan := &Plan{}

	names := make([]string, 0, len(columns))
	for name := range columns {
		names = append(names, name)
	}
	sort.Strings(names)

	parents := map[string]bool{}
	for _, row := range rows {
		if id := row["sys_id"]; id != "" {
			parents[id] = true
		}
	}

	seenTypes := map[string]string{}
	for _, column := range names {
		typeID, err := r.relationshipType(ctx, columns[column])
		if err != nil {
			return nil, err
		}
		if prev, dup := seenTypes[typeID]; dup {
			return nil, sncerr.New(sncerr.Plan,
				"columns %s and %s use the same relationship type %s", prev, column, columns[column])
		}
		seenTypes[typeID] = column

		desired := map[string]bool{}
		for _, row := range rows {
			parent, child := row["sys_id"], row[column]
			if parent == "" || child == "" {
				continue
			}
			desired[parent+"|"+child] = true
		}

		existing, err := r.client.GetWireRecords(ctx, "cmdb_rel_ci", client.GetRecordsOptions{
			Query: "type=" + typeID,
		})
		if err != nil {
			return nil, err
		}

		current := map[string]string{}
		for _, rel := range existing {
			parent := wireString(rel, "parent")
			if !parents[parent] {
				continue
			}
			current[parent+"|"+wireString(rel, "child")] = wireString(rel, "sys_id")
		}

		var keys []string
		for key := range desired {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if _, ok := current[key]; ok {
				continue
			}
			parent, child, _ := strings.Cut(key, "|")
			body := map[string]string{"type": typeID, "parent": parent, "child": child}
			plan.add(&Action{
				Name:        column,
				Kind:        ActionCreate,
				Description: fmt.Sprintf("relate %s -> %s (%s)", parent, child, columns[column]),
				commit: func(ctx context.Context) error {
					return r.client.CreateRecord(ctx, "cmdb_rel_ci", body)
				},
			})
		}

		keys = keys[:0]
		for key := range current {
			if !desired[key] {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
		for _, key := range keys {
			relID := current[key]
			plan.add(&Action{
				Name:        column,
				Kind:        ActionDelete,
				Description: fmt.Sprintf("unrelate %s (%s)", key, columns[column]),
				commit: func(ctx context.Context) error {
					return r.client.DeleteRecord(ctx, "cmdb_rel_ci", relID)
				},
			})
		}
	}

	if commit {
		return plan, plan.Commit(ctx)
	}
	return plan, nil
}

// relationshipType resolves a "parent::child" descriptor pair to the
// cmdb_rel_type sys_id. Creating relationship types over the API is
// unreliable, so a missing type is reported rather than created.
func (r *Reconciler) relationshipType(ctx context.Context, pair string) (string, error) {
	parent, child, ok := strings.Cut(pair, "::")
	if !ok || parent == "" || child == "" {
		return "", sncerr.New(sncerr.Plan, "relationship descriptor %q is not of the form parent::child", pair)
	}
	rows, err := r.client.GetWireRecords(ctx, "cmdb_rel_type", client.GetRecordsOptions{
		Query: "parent_descriptor=" + parent + "^child_descriptor=" + child,
	})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", sncerr.New(sncerr.Operational,
			"relationship type %q does not exist, please create it manually", pair)
	}
	return wireString(rows[0], "sys_id"), nil
}
