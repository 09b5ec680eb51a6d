package deltamerge_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamart/snsync/client"
	"github.com/datamart/snsync/coerce"
	"github.com/datamart/snsync/config"
	"github.com/datamart/snsync/deltamerge"
	"github.com/datamart/snsync/fake"
	"github.com/datamart/snsync/status"
)

// warnRecorder captures warnings while discarding everything else.
type warnRecorder struct {
	status.Discard
	mu    sync.Mutex
	warns []string
}

func (w *warnRecorder) Warn(msg string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.warns = append(w.warns, msg)
}

func (w *warnRecorder) Warnings() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.warns...)
}

func newFakeClient(t *testing.T, st status.Status) (*client.Client, *fake.Instance) {
	t.Helper()
	f := fake.New()
	t.Cleanup(f.Close)

	if st == nil {
		st = status.Discard{}
	}
	cfg := &config.Config{
		Instance:         "dev0",
		Username:         "admin",
		Password:         "pw",
		ReadConcurrency:  8,
		WriteConcurrency: 8,
	}
	c, err := client.New(cfg, client.WithBaseURL(f.URL()), client.WithStatus(st))
	require.NoError(t, err)
	return c, f
}

func guid(n int) string { return fmt.Sprintf("%032x", n) }

func seedHosts(f *fake.Instance, withFlag bool) {
	cols := map[string]fake.Column{
		"u_name": {Type: "string", MaxLength: 40},
	}
	if withFlag {
		cols["u_in_datamart"] = fake.Column{Type: "boolean"}
	}
	f.AddTable("u_dm_host", cols)

	a1 := map[string]string{"sys_id": guid(1), "u_name": "n1"}
	a2 := map[string]string{"sys_id": guid(2), "u_name": "n2"}
	if withFlag {
		a1["u_in_datamart"] = "1"
		a2["u_in_datamart"] = "1"
	}
	f.Seed("u_dm_host", a1, a2)
}

func TestMergeSoftDelete(t *testing.T) {
	c, f := newFakeClient(t, nil)
	seedHosts(f, true)
	f.Seed("sys_data_policy2", map[string]string{
		"sys_id": guid(50), "model_table": "u_dm_host", "active": "true",
	})

	m := deltamerge.New(c, nil)
	res, err := m.Merge(context.Background(), "u_dm_host",
		[]coerce.Row{{"u_name": coerce.String("n1")}},
		deltamerge.Options{Key: deltamerge.FieldKey("u_name")})
	require.NoError(t, err)

	assert.Equal(t, 1, res.RowsMatched)
	assert.Equal(t, 0, res.RowsCreated)
	assert.Equal(t, 0, res.RowsUpdated)
	assert.Equal(t, 1, res.RowsDeleted)

	byID := map[string]map[string]string{}
	for _, row := range f.Rows("u_dm_host") {
		byID[row["sys_id"]] = row
	}
	require.Len(t, byID, 2, "soft delete keeps the row")
	assert.Equal(t, "1", byID[guid(1)]["u_in_datamart"])
	assert.Equal(t, "0", byID[guid(2)]["u_in_datamart"], "vanished row is flagged out")

	assert.Equal(t, "true", f.Rows("sys_data_policy2")[0]["active"],
		"policy is re-enabled after the write phase")
}

func TestMergeHardDelete(t *testing.T) {
	c, f := newFakeClient(t, nil)
	seedHosts(f, false)

	m := deltamerge.New(c, nil)
	res, err := m.Merge(context.Background(), "u_dm_host",
		[]coerce.Row{{"u_name": coerce.String("n1")}},
		deltamerge.Options{Key: deltamerge.FieldKey("u_name"), AllowDeletes: true})
	require.NoError(t, err)

	assert.Equal(t, 1, res.RowsMatched)
	assert.Equal(t, 1, res.RowsDeleted)

	rows := f.Rows("u_dm_host")
	require.Len(t, rows, 1)
	assert.Equal(t, "n1", rows[0]["u_name"])
}

func TestMergeNoDeletePathWithoutFlag(t *testing.T) {
	c, f := newFakeClient(t, nil)
	seedHosts(f, false)

	m := deltamerge.New(c, nil)
	res, err := m.Merge(context.Background(), "u_dm_host",
		[]coerce.Row{{"u_name": coerce.String("n1")}},
		deltamerge.Options{Key: deltamerge.FieldKey("u_name")})
	require.NoError(t, err)

	assert.Equal(t, 0, res.RowsDeleted, "no flag column and no AllowDeletes means no deletes")
	assert.Len(t, f.Rows("u_dm_host"), 2)
}

func TestMergeCreatesAndUpdates(t *testing.T) {
	c, f := newFakeClient(t, nil)
	seedHosts(f, true)

	m := deltamerge.New(c, nil)
	res, err := m.Merge(context.Background(), "u_dm_host",
		[]coerce.Row{
			{"u_name": coerce.String("n1")},
			{"u_name": coerce.String("n2")},
			{"u_name": coerce.String("n3")},
		},
		deltamerge.Options{Key: deltamerge.FieldKey("u_name")})
	require.NoError(t, err)

	assert.Equal(t, 2, res.RowsMatched)
	assert.Equal(t, 1, res.RowsCreated)
	assert.Equal(t, 0, res.RowsDeleted)
	assert.Len(t, f.Rows("u_dm_host"), 3)

	// Identical second run converges to a no-op.
	res, err = m.Merge(context.Background(), "u_dm_host",
		[]coerce.Row{
			{"u_name": coerce.String("n1")},
			{"u_name": coerce.String("n2")},
			{"u_name": coerce.String("n3")},
		},
		deltamerge.Options{Key: deltamerge.FieldKey("u_name")})
	require.NoError(t, err)
	assert.Equal(t, 3, res.RowsMatched)
	assert.Equal(t, 0, res.RowsCreated)
	assert.Equal(t, 0, res.RowsUpdated)
	assert.Equal(t, 0, res.RowsDeleted)
}

func TestMergePolicyRestoredOnFailure(t *testing.T) {
	f := fake.New()
	t.Cleanup(f.Close)
	seedHosts(f, true)
	f.Seed("sys_data_policy2", map[string]string{
		"sys_id": guid(50), "model_table": "u_dm_host", "active": "true",
	})

	// Front the fake with a server that rejects row inserts so the create
	// phase fails after the policy was toggled off.
	target, err := url.Parse(f.URL())
	require.NoError(t, err)
	proxy := httputil.NewSingleHostReverseProxy(target)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/table/u_dm_host") {
			http.Error(w, "insert rejected", http.StatusBadRequest)
			return
		}
		proxy.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Instance:         "dev0",
		Username:         "admin",
		Password:         "pw",
		ReadConcurrency:  8,
		WriteConcurrency: 8,
	}
	c, err := client.New(cfg, client.WithBaseURL(srv.URL), client.WithStatus(status.Discard{}))
	require.NoError(t, err)

	m := deltamerge.New(c, nil)
	_, err = m.Merge(context.Background(), "u_dm_host",
		[]coerce.Row{
			{"u_name": coerce.String("n1")},
			{"u_name": coerce.String("n3")},
		},
		deltamerge.Options{Key: deltamerge.FieldKey("u_name")})
	require.Error(t, err, "the failed create phase surfaces")

	assert.Equal(t, "true", f.Rows("sys_data_policy2")[0]["active"],
		"policy is restored even when a write phase fails")
	assert.Len(t, f.Rows("u_dm_host"), 2, "the rejected row was never stored")
}

func TestMergeUnkeyableRowSkipped(t *testing.T) {
	rec := &warnRecorder{}
	c, f := newFakeClient(t, rec)
	f.AddTable("u_dm_host", map[string]fake.Column{"u_name": {Type: "string"}})

	m := deltamerge.New(c, nil)
	res, err := m.Merge(context.Background(), "u_dm_host",
		[]coerce.Row{
			{"u_name": coerce.String("n1")},
			{}, // no fields, no derivable key
		},
		deltamerge.Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.RowsCreated)
	assert.Contains(t, rec.Warnings(), "incoming row has no primary key")
	assert.Len(t, f.Rows("u_dm_host"), 1)
}

func TestMergeEmptyPlanSkipsPolicyToggle(t *testing.T) {
	c, f := newFakeClient(t, nil)
	seedHosts(f, true)
	// A disabled policy stays disabled if the bracket never runs.
	f.Seed("sys_data_policy2", map[string]string{
		"sys_id": guid(50), "model_table": "u_dm_host", "active": "false",
	})

	m := deltamerge.New(c, nil)
	res, err := m.Merge(context.Background(), "u_dm_host",
		[]coerce.Row{
			{"u_name": coerce.String("n1")},
			{"u_name": coerce.String("n2")},
		},
		deltamerge.Options{Key: deltamerge.FieldKey("u_name")})
	require.NoError(t, err)

	assert.Equal(t, 2, res.RowsMatched)
	assert.Equal(t, "false", f.Rows("sys_data_policy2")[0]["active"])
}

func TestMergeDuplicateIncomingDiscarded(t *testing.T) {
	rec := &warnRecorder{}
	c, f := newFakeClient(t, rec)
	f.AddTable("u_dm_host", map[string]fake.Column{"u_name": {Type: "string"}})

	m := deltamerge.New(c, nil)
	res, err := m.Merge(context.Background(), "u_dm_host",
		[]coerce.Row{
			{"u_name": coerce.String("n1")},
			{"u_name": coerce.String("n1")},
		},
		deltamerge.Options{Key: deltamerge.FieldKey("u_name")})
	require.NoError(t, err)

	assert.Equal(t, 1, res.RowsCreated)
	assert.Contains(t, rec.Warnings(), "duplicate incoming row discarded")
	assert.Len(t, f.Rows("u_dm_host"), 1)
}

func TestMergeFirstDiscoveredStamp(t *testing.T) {
	c, f := newFakeClient(t, nil)
	f.AddTable("u_dm_host", map[string]fake.Column{
		"u_name":           {Type: "string"},
		"first_discovered": {Type: "glide_date_time"},
	})

	m := deltamerge.New(c, nil)
	_, err := m.Merge(context.Background(), "u_dm_host",
		[]coerce.Row{{"u_name": coerce.String("n1")}},
		deltamerge.Options{Key: deltamerge.FieldKey("u_name")})
	require.NoError(t, err)

	rows := f.Rows("u_dm_host")
	require.Len(t, rows, 1)
	assert.NotEmpty(t, rows[0]["first_discovered"])
}

func TestMergeReferenceLookup(t *testing.T) {
	rec := &warnRecorder{}
	c, f := newFakeClient(t, rec)
	f.AddTable("u_dm_user", map[string]fake.Column{"u_name": {Type: "string"}})
	f.AddTable("u_dm_app", map[string]fake.Column{
		"u_name":  {Type: "string"},
		"u_owner": {Type: "reference", ReferenceTable: "u_dm_user"},
	})
	alice := guid(7)
	f.Seed("u_dm_user", map[string]string{"sys_id": alice, "u_name": "alice"})

	m := deltamerge.New(c, nil)
	res, err := m.Merge(context.Background(), "u_dm_app",
		[]coerce.Row{
			{"u_name": coerce.String("app1"), "u_owner": coerce.String("alice")},
			{"u_name": coerce.String("app2"), "u_owner": coerce.String("bob")},
		},
		deltamerge.Options{
			Key:             deltamerge.FieldKey("u_name"),
			ReferenceLookup: map[string]string{"u_owner": "u_name"},
		})
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsCreated)

	byName := map[string]map[string]string{}
	for _, row := range f.Rows("u_dm_app") {
		byName[row["u_name"]] = row
	}
	assert.Equal(t, alice, byName["app1"]["u_owner"], "business key rewritten to sys_id")
	assert.Equal(t, "", byName["app2"]["u_owner"], "unmatched lookup disconnects")
	assert.Contains(t, rec.Warnings(), "reference lookup missed")
}

func TestDefaultKey(t *testing.T) {
	a := deltamerge.DefaultKey(map[string]string{"u_name": "x", "u_size": "2"})
	b := deltamerge.DefaultKey(map[string]string{"u_size": "2", "u_name": "x"})
	assert.Equal(t, a, b, "field order does not matter")

	c := deltamerge.DefaultKey(map[string]string{"u_name": "y", "u_size": "2"})
	assert.NotEqual(t, a, c)

	assert.Empty(t, deltamerge.DefaultKey(map[string]string{"sys_id": guid(1)}),
		"rows without u_ fields cannot be keyed")
}

func TestCompositeKey(t *testing.T) {
	key := deltamerge.CompositeKey("u_name", "u_env")
	a := key(map[string]string{"u_name": "x", "u_env": "prod", "u_other": "ignored"})
	b := key(map[string]string{"u_name": "x", "u_env": "prod"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, key(map[string]string{"u_name": "x", "u_env": "dev"}))
}
