// Package deltamerge reconciles a desired row set against the current rows
// of a table. Rows are keyed by a caller-chosen primary-key function,
// diffed in wire form, and converged with ordered create, update, and
// delete phases bracketed by a data-policy toggle.
package deltamerge

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/datamart/snsync/client"
	"github.com/datamart/snsync/coerce"
	"github.com/datamart/snsync/schema"
	"github.com/datamart/snsync/sncerr"
	"github.com/datamart/snsync/table"
)

const (
	// defaultDeletedFlag is the soft-delete marker column. "1" means the
	// row is present in the source of truth, "0" that it disappeared.
	defaultDeletedFlag = "u_in_datamart"

	// writeConcurrency caps in-flight writes within each phase.
	writeConcurrency = 40

	wireDateFormat = "2006-01-02 15:04:05"
)

// Options tune one merge run.
type Options struct {
	// Key derives the primary key of an encoded row. Nil keys rows by the
	// md5 of all u_-prefixed fields except the deleted flag.
	Key KeyFunc

	// DeletedFlag overrides the soft-delete column name.
	DeletedFlag string

	// AllowDeletes hard-deletes vanished rows instead of soft-deleting.
	AllowDeletes bool

	// ReferenceLookup maps reference columns to a business-key field on
	// the referenced table. Incoming values matching that field are
	// rewritten to sys_ids before encoding.
	ReferenceLookup map[string]string

	// Cache reads the existing rows through the record cache.
	Cache    bool
	CacheTTL string
}

// Result counts the outcome of a merge.
type Result struct {
	RowsMatched int
	RowsCreated int
	RowsUpdated int
	RowsDeleted int
}

// Merger executes row delta-merges against one client.
type Merger struct {
	client *client.Client
	policy *table.PolicyReconciler
}

// New builds a Merger sharing the reconciler's policy handle so the toggle
// bracket and the policy rules agree on ownership.
func New(c *client.Client, policy *table.PolicyReconciler) *Merger {
	if policy == nil {
		policy = table.NewPolicyReconciler(c)
	}
	return &Merger{client: c, policy: policy}
}

// Merge converges the rows of tableName to the desired set.
func (m *Merger) Merge(ctx context.Context, tableName string, desired []coerce.Row, opts Options) (res *Result, err error) {
	st := m.client.Status()

	deletedFlag := opts.DeletedFlag
	if deletedFlag == "" {
		deletedFlag = defaultDeletedFlag
	}
	key := opts.Key
	if key == nil {
		key = defaultKeyExcluding(deletedFlag)
	}

	tbl, err := m.client.Schemas().Get(ctx, tableName)
	if err != nil {
		return nil, err
	}
	softDelete := tbl.Has(deletedFlag)
	hasFirstDiscovered := tbl.Has("first_discovered")

	if len(opts.ReferenceLookup) > 0 {
		if err := m.resolveReferences(ctx, tbl, desired, opts.ReferenceLookup); err != nil {
			return nil, err
		}
	}

	incomingWire, err := m.client.Coercer().EncodeAll(ctx, tableName, desired)
	if err != nil {
		return nil, err
	}

	existing, err := m.loadExisting(ctx, tableName, opts)
	if err != nil {
		return nil, err
	}

	// Index incoming rows. Duplicates and unkeyable rows are reported and
	// excluded from the plan.
	incoming := map[string]map[string]string{}
	for _, wire := range incomingWire {
		k := key(wire)
		if k == "" {
			st.Warn("incoming row has no primary key", "table", tableName)
			continue
		}
		if _, dup := incoming[k]; dup {
			st.Warn("duplicate incoming row discarded", "table", tableName, "key", k)
			continue
		}
		if softDelete {
			wire[deletedFlag] = "1"
		}
		incoming[k] = wire
	}

	existingByKey := map[string]map[string]string{}
	var existingDupes []map[string]string
	for _, wire := range existing {
		k := key(wire)
		if k == "" {
			continue
		}
		if _, dup := existingByKey[k]; dup {
			existingDupes = append(existingDupes, wire)
			continue
		}
		existingByKey[k] = wire
	}

	res = &Result{}
	var creates, updates, softDeletes []map[string]string
	var hardDeletes []string

	nowStamp := client.Now().Format(wireDateFormat)
	for _, k := range sortedKeys(incoming) {
		wire := incoming[k]
		cur, found := existingByKey[k]
		if !found {
			if hasFirstDiscovered {
				wire["first_discovered"] = nowStamp
			}
			creates = append(creates, wire)
			res.RowsCreated++
			continue
		}

		payload := map[string]string{}
		for field, val := range wire {
			if field == "sys_id" {
				continue
			}
			if cur[field] != val {
				payload[field] = val
			}
		}
		if len(payload) == 0 {
			res.RowsMatched++
			continue
		}
		payload["sys_id"] = cur["sys_id"]
		if cn := cur["sys_class_name"]; cn != "" {
			payload["sys_class_name"] = cn
		}
		updates = append(updates, payload)
		res.RowsUpdated++
	}

	for _, k := range sortedKeys(existingByKey) {
		if _, wanted := incoming[k]; wanted {
			continue
		}
		cur := existingByKey[k]
		switch {
		case opts.AllowDeletes:
			hardDeletes = append(hardDeletes, cur["sys_id"])
			res.RowsDeleted++
		case softDelete && cur[deletedFlag] != "0":
			payload := map[string]string{"sys_id": cur["sys_id"], deletedFlag: "0"}
			if cn := cur["sys_class_name"]; cn != "" {
				payload["sys_class_name"] = cn
			}
			softDeletes = append(softDeletes, payload)
			res.RowsDeleted++
		}
	}
	// Duplicate existing rows are removed regardless of AllowDeletes.
	for _, dup := range existingDupes {
		hardDeletes = append(hardDeletes, dup["sys_id"])
		res.RowsDeleted++
	}

	if len(creates)+len(updates)+len(softDeletes)+len(hardDeletes) == 0 {
		return res, nil
	}

	st.Log("delta-merge plan ready",
		"table", tableName,
		"creates", len(creates), "updates", len(updates),
		"deletes", len(hardDeletes)+len(softDeletes), "matched", res.RowsMatched)

	if err := m.policy.Toggle(ctx, tableName, false); err != nil {
		return nil, err
	}
	defer func() {
		// The policy must come back on every exit path, including
		// cancellation.
		restoreCtx := context.WithoutCancel(ctx)
		if terr := m.policy.Toggle(restoreCtx, tableName, true); terr != nil && err == nil {
			err = terr
		}
	}()

	if err := m.runPhase(ctx, len(creates), func(ctx context.Context, i int) error {
		return m.client.CreateRecord(ctx, tableName, creates[i])
	}); err != nil {
		return res, err
	}
	if err := m.runPhase(ctx, len(updates), func(ctx context.Context, i int) error {
		return m.client.UpdateRecord(ctx, tableName, updates[i]["sys_id"], updates[i])
	}); err != nil {
		return res, err
	}
	if err := m.runPhase(ctx, len(softDeletes), func(ctx context.Context, i int) error {
		return m.client.UpdateRecord(ctx, tableName, softDeletes[i]["sys_id"], softDeletes[i])
	}); err != nil {
		return res, err
	}
	if err := m.runPhase(ctx, len(hardDeletes), func(ctx context.Context, i int) error {
		return m.client.DeleteRecord(ctx, tableName, hardDeletes[i])
	}); err != nil {
		return res, err
	}
	return res, nil
}

// loadExisting reads the current rows and canonicalizes them through a
// decode/encode round trip so both sides compare in the same wire form.
func (m *Merger) loadExisting(ctx context.Context, tableName string, opts Options) ([]map[string]string, error) {
	wire, err := m.client.GetWireRecords(ctx, tableName, client.GetRecordsOptions{
		Cache:    opts.Cache,
		CacheTTL: opts.CacheTTL,
	})
	if err != nil {
		return nil, err
	}
	typed, err := m.client.Coercer().DecodeAll(ctx, tableName, wire)
	if err != nil {
		return nil, err
	}
	return m.client.Coercer().EncodeAll(ctx, tableName, typed)
}

// resolveReferences rewrites business keys in reference columns to sys_ids
// before encoding. Unmatched values become null and are logged.
func (m *Merger) resolveReferences(ctx context.Context, tbl *schema.Table, rows []coerce.Row, lookup map[string]string) error {
	st := m.client.Status()

	for _, column := range sortedLookupKeys(lookup) {
		field := lookup[column]
		entry, ok := tbl.Columns[column]
		if !ok || entry.ReferenceTable == "" {
			return sncerr.New(sncerr.Plan,
				"lookup column %s is not a reference column", column).WithColumn(tbl.Name, column)
		}

		refRows, err := m.client.GetWireRecords(ctx, entry.ReferenceTable, client.GetRecordsOptions{
			Fields: []client.Field{{Name: "sys_id"}, {Name: field}},
		})
		if err != nil {
			return err
		}
		index := make(map[string]string, len(refRows))
		for _, ref := range refRows {
			if v, ok := ref[field].(string); ok && v != "" {
				index[v], _ = ref["sys_id"].(string)
			}
		}

		for _, row := range rows {
			val, present := row[column]
			if !present || val.IsNull() {
				continue
			}
			s, isString := val.Str()
			if !isString || s == "" || coerce.IsGUID(s) {
				continue
			}
			if id, found := index[s]; found {
				row[column] = coerce.String(id)
				continue
			}
			st.Warn("reference lookup missed",
				"table", tbl.Name, "column", column, "value", s)
			row[column] = coerce.Null()
		}
	}
	return nil
}

// runPhase executes fn for each index with bounded parallelism. Failures
// abort the phase but in-flight writes drain first.
func (m *Merger) runPhase(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	if n == 0 {
		return nil
	}
	sem := semaphore.NewWeighted(writeConcurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			return fn(gctx, i)
		})
	}
	return g.Wait()
}

func defaultKeyExcluding(flag string) KeyFunc {
	return func(row map[string]string) string {
		var pairs []string
		for k, v := range row {
			if k == flag || !strings.HasPrefix(k, "u_") {
				continue
			}
			pairs = append(pairs, k+"="+v)
		}
		if len(pairs) == 0 {
			return ""
		}
		sort.Strings(pairs)
		return hashPairs(pairs)
	}
}

func sortedKeys(m map[string]map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedLookupKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
