package fake_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamart/snsync/fake"
)

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url) // #nosec G107 -- test server URL
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestSchemaEndpoint(t *testing.T) {
	f := fake.New()
	defer f.Close()
	f.AddTable("u_dm_host", map[string]fake.Column{
		"u_name":  {Type: "string", MaxLength: 40},
		"u_owner": {Type: "reference", ReferenceTable: "sys_user"},
	})

	code, body := get(t, f.URL()+"/u_dm_host.do?SCHEMA")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `<element name="u_name" internal_type="string" max_length="40"/>`)
	assert.Contains(t, string(body), `reference_table="sys_user"`)

	code, _ = get(t, f.URL()+"/u_missing.do?SCHEMA")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestListQueryAndPaging(t *testing.T) {
	f := fake.New()
	defer f.Close()
	f.AddTable("u_dm_host", map[string]fake.Column{"u_name": {Type: "string"}, "u_env": {Type: "string"}})
	for i := 0; i < 5; i++ {
		f.Seed("u_dm_host", map[string]string{"u_name": fmt.Sprintf("n%d", i), "u_env": "prod"})
	}
	f.Seed("u_dm_host", map[string]string{"u_name": "other", "u_env": "dev"})

	code, body := get(t, f.URL()+"/api/now/v2/table/u_dm_host?sysparm_query=u_env%3Dprod&sysparm_offset=2&sysparm_limit=2")
	require.Equal(t, http.StatusOK, code)

	var envelope struct {
		Result []map[string]string `json:"result"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	require.Len(t, envelope.Result, 2)
	assert.Equal(t, "n2", envelope.Result[0]["u_name"])
	assert.Equal(t, "n3", envelope.Result[1]["u_name"])
}

func TestQueryOperators(t *testing.T) {
	f := fake.New()
	defer f.Close()
	f.AddTable("u_dm_host", map[string]fake.Column{"u_name": {Type: "string"}, "u_env": {Type: "string"}})
	f.Seed("u_dm_host",
		map[string]string{"u_name": "web-1", "u_env": "prod"},
		map[string]string{"u_name": "web-2", "u_env": "dev"},
		map[string]string{"u_name": "db-1", "u_env": ""},
	)

	names := func(rawQuery string) []string {
		t.Helper()
		code, body := get(t, f.URL()+"/api/now/v2/table/u_dm_host?sysparm_query="+url.QueryEscape(rawQuery))
		require.Equal(t, http.StatusOK, code)
		var envelope struct {
			Result []map[string]string `json:"result"`
		}
		require.NoError(t, json.Unmarshal(body, &envelope))
		out := make([]string, len(envelope.Result))
		for i, row := range envelope.Result {
			out[i] = row["u_name"]
		}
		return out
	}

	assert.ElementsMatch(t, []string{"web-2", "db-1"}, names("u_env!=prod"))
	assert.ElementsMatch(t, []string{"web-1", "web-2"}, names("u_nameLIKEweb"))
	assert.ElementsMatch(t, []string{"web-1", "web-2"}, names("u_envINprod,dev"))
	assert.ElementsMatch(t, []string{"db-1"}, names("u_envISEMPTY"))
	assert.Equal(t, []string{"db-1", "web-1", "web-2"}, names("ORDERBYu_name"))
	assert.Equal(t, []string{"web-2", "web-1", "db-1"}, names("ORDERBYDESCu_name"))
}

func TestAttachmentDownload(t *testing.T) {
	f := fake.New()
	defer f.Close()
	id := "00000000000000000000000000000009"
	f.AddAttachment(id, []byte("file contents"))

	code, body := get(t, f.URL()+"/api/now/v1/attachment/"+id+"/file")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "file contents", string(body))

	code, _ = get(t, f.URL()+"/api/now/v1/attachment/00000000000000000000000000000000/file")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatsCount(t *testing.T) {
	f := fake.New()
	defer f.Close()
	f.AddTable("u_dm_host", map[string]fake.Column{"u_name": {Type: "string"}})
	f.Seed("u_dm_host", map[string]string{"u_name": "a"}, map[string]string{"u_name": "b"})

	_, body := get(t, f.URL()+"/api/now/v1/stats/u_dm_host?sysparm_count=true")
	var envelope struct {
		Result struct {
			Stats struct {
				Count string `json:"count"`
			} `json:"stats"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	assert.Equal(t, "2", envelope.Result.Stats.Count)
}

func TestCreateMaterializesMetadata(t *testing.T) {
	f := fake.New()
	defer f.Close()

	post := func(table string, body map[string]string) {
		t.Helper()
		data, err := json.Marshal(body)
		require.NoError(t, err)
		resp, err := http.Post(f.URL()+"/api/now/v2/table/"+table, "application/json", bytes.NewReader(data))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	post("sys_db_object", map[string]string{"name": "u_dm_app", "label": "Apps"})
	post("sys_dictionary", map[string]string{
		"name": "u_dm_app", "element": "u_name", "internal_type": "string", "max_length": "40",
	})

	code, body := get(t, f.URL()+"/u_dm_app.do?SCHEMA")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `<element name="u_name" internal_type="string" max_length="40"/>`)
}

func TestUpdateAndDelete(t *testing.T) {
	f := fake.New()
	defer f.Close()
	f.AddTable("u_dm_host", map[string]fake.Column{"u_name": {Type: "string"}})
	f.Seed("u_dm_host", map[string]string{"sys_id": "00000000000000000000000000000001", "u_name": "old"})

	data, err := json.Marshal(map[string]string{"u_name": "new"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut,
		f.URL()+"/api/now/v2/table/u_dm_host/00000000000000000000000000000001", bytes.NewReader(data))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "new", f.Rows("u_dm_host")[0]["u_name"])

	req, err = http.NewRequest(http.MethodDelete,
		f.URL()+"/api/now/v2/table/u_dm_host/00000000000000000000000000000001", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, f.Rows("u_dm_host"))
}
