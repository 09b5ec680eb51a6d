// Package fake is a scripted in-process instance used when the client is
// configured with the sentinel dev instance and no credentials, and by
// tests that need a full API surface. It implements the table, stats, and
// import APIs plus the XML schema endpoint over an httptest server.
package fake

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Column declares one column of a fake table.
type Column struct {
	Type           string
	MaxLength      int
	ReferenceTable string
	ChoiceList     bool
}

// Instance is an in-memory tenant. All state is guarded by one mutex; the
// fake trades concurrency for simple, deterministic behavior.
type Instance struct {
	mu   sync.Mutex
	defs map[string]map[string]Column
	rows map[string][]map[string]string
	atts map[string][]byte

	srv *httptest.Server
}

// New starts a fake instance with the system tables seeded.
func New() *Instance {
	f := &Instance{
		defs: map[string]map[string]Column{},
		rows: map[string][]map[string]string{},
		atts: map[string][]byte{},
	}
	for _, name := range []string{
		"sys_user", "sys_db_object", "sys_dictionary", "sys_choice",
		"sys_documentation", "sys_data_policy2", "sys_data_policy_rule",
		"cmdb_rel_type", "cmdb_rel_ci",
	} {
		f.defs[name] = systemColumns()
	}
	f.Seed("sys_user", map[string]string{"user_name": "admin"})

	r := chi.NewRouter()
	r.Get("/{table}.do", f.handleSchema)
	r.Route("/api/now", func(r chi.Router) {
		r.Get("/v1/stats/{table}", f.handleStats)
		r.Post("/v1/import/{table}", f.handleImport)
		r.Get("/v1/attachment/{id}/file", f.handleAttachment)
		for _, v := range []string{"/v1", "/v2"} {
			r.Get(v+"/table/{table}", f.handleList)
			r.Post(v+"/table/{table}", f.handleCreate)
			r.Get(v+"/table/{table}/{id}", f.handleGet)
			r.Put(v+"/table/{table}/{id}", f.handleUpdate)
			r.Delete(v+"/table/{table}/{id}", f.handleDelete)
		}
	})
	f.srv = httptest.NewServer(r)
	return f
}

// systemColumns is the minimal schema every seeded metadata table gets.
// Values on these tables are plain strings as far as coercion is concerned.
func systemColumns() map[string]Column {
	return map[string]Column{
		"sys_id":         {Type: "string", MaxLength: 32},
		"sys_created_by": {Type: "string", MaxLength: 40},
		"sys_updated_on": {Type: "glide_date_time"},
	}
}

// URL is the instance root.
func (f *Instance) URL() string { return f.srv.URL }

// Close shuts the server down.
func (f *Instance) Close() { f.srv.Close() }

// AddTable registers a table definition. sys_id, sys_created_by, and
// sys_updated_on are always present.
func (f *Instance) AddTable(name string, cols map[string]Column) {
	f.mu.Lock()
	defer f.mu.Unlock()
	def := systemColumns()
	for col, c := range cols {
		def[col] = c
	}
	f.defs[name] = def
}

// Seed inserts rows directly, filling in system fields.
func (f *Instance) Seed(table string, rows ...map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range rows {
		f.rows[table] = append(f.rows[table], f.fill(row))
	}
}

// AddAttachment stores file bytes under an attachment sys_id.
func (f *Instance) AddAttachment(sysID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.atts[sysID] = append([]byte(nil), data...)
}

// Rows returns a deep copy of a table's rows for assertions.
func (f *Instance) Rows(table string) []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]string, len(f.rows[table]))
	for i, row := range f.rows[table] {
		cp := make(map[string]string, len(row))
		for k, v := range row {
			cp[k] = v
		}
		out[i] = cp
	}
	return out
}

func (f *Instance) fill(row map[string]string) map[string]string {
	cp := make(map[string]string, len(row)+3)
	for k, v := range row {
		cp[k] = v
	}
	if cp["sys_id"] == "" {
		cp["sys_id"] = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if cp["sys_created_by"] == "" {
		cp["sys_created_by"] = "admin"
	}
	cp["sys_updated_on"] = time.Now().UTC().Format("2006-01-02 15:04:05")
	return cp
}

func (f *Instance) handleSchema(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")

	f.mu.Lock()
	def, ok := f.defs[table]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	names := make([]string, 0, len(def))
	for name := range def {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "<%s>", table)
	for _, name := range names {
		col := def[name]
		fmt.Fprintf(&b, `<element name=%q internal_type=%q`, name, col.Type)
		if col.MaxLength > 0 {
			fmt.Fprintf(&b, ` max_length="%d"`, col.MaxLength)
		}
		if col.ReferenceTable != "" {
			fmt.Fprintf(&b, ` reference_table=%q`, col.ReferenceTable)
		}
		if col.ChoiceList {
			b.WriteString(` choice_list="true"`)
		}
		b.WriteString("/>")
	}
	fmt.Fprintf(&b, "</%s>", table)

	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(b.String()))
}

func (f *Instance) handleStats(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	pq := parseQuery(r.URL.Query().Get("sysparm_query"))

	f.mu.Lock()
	n := 0
	for _, row := range f.rows[table] {
		if matches(row, pq) {
			n++
		}
	}
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result": map[string]interface{}{"stats": map[string]string{"count": strconv.Itoa(n)}},
	})
}

func (f *Instance) handleList(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	q := r.URL.Query()
	pq := parseQuery(q.Get("sysparm_query"))

	f.mu.Lock()
	var matched []map[string]string
	for _, row := range f.rows[table] {
		if matches(row, pq) {
			matched = append(matched, row)
		}
	}
	if len(pq.order) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			for _, o := range pq.order {
				a, b := matched[i][o.field], matched[j][o.field]
				if a == b {
					continue
				}
				if o.desc {
					return a > b
				}
				return a < b
			}
			return false
		})
	}
	f.mu.Unlock()

	offset, _ := strconv.Atoi(q.Get("sysparm_offset"))
	limit := len(matched)
	if v := q.Get("sysparm_limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	page := matched[offset:end]

	var fields []string
	if v := q.Get("sysparm_fields"); v != "" {
		fields = strings.Split(v, ",")
	}
	out := make([]map[string]string, len(page))
	for i, row := range page {
		out[i] = project(row, fields)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": out})
}

func (f *Instance) handleGet(w http.ResponseWriter, r *http.Request) {
	table, id := chi.URLParam(r, "table"), chi.URLParam(r, "id")

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows[table] {
		if row["sys_id"] == id {
			writeJSON(w, http.StatusOK, map[string]interface{}{"result": project(row, nil)})
			return
		}
	}
	writeError(w, http.StatusNotFound, "No Record found")
}

func (f *Instance) handleCreate(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f.mu.Lock()
	row := f.fill(body)
	f.rows[table] = append(f.rows[table], row)
	f.materialize(table, row)
	f.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
}

// materialize mirrors metadata writes into the fake's table definitions so
// a created table or column is immediately visible to the schema endpoint.
func (f *Instance) materialize(table string, row map[string]string) {
	switch table {
	case "sys_db_object":
		if name := row["name"]; name != "" && f.defs[name] == nil {
			f.defs[name] = systemColumns()
		}
	case "sys_dictionary":
		name, element := row["name"], row["element"]
		if name == "" || element == "" {
			return
		}
		if f.defs[name] == nil {
			f.defs[name] = systemColumns()
		}
		maxLen, _ := strconv.Atoi(row["max_length"])
		f.defs[name][element] = Column{
			Type:           row["internal_type"],
			MaxLength:      maxLen,
			ReferenceTable: row["reference"],
			ChoiceList:     row["choice"] != "",
		}
	}
}

func (f *Instance) handleUpdate(w http.ResponseWriter, r *http.Request) {
	table, id := chi.URLParam(r, "table"), chi.URLParam(r, "id")
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows[table] {
		if row["sys_id"] != id {
			continue
		}
		for k, v := range body {
			if k != "sys_id" {
				row[k] = v
			}
		}
		row["sys_updated_on"] = time.Now().UTC().Format("2006-01-02 15:04:05")
		writeJSON(w, http.StatusOK, map[string]interface{}{"result": project(row, nil)})
		return
	}
	writeError(w, http.StatusNotFound, "No Record found")
}

func (f *Instance) handleDelete(w http.ResponseWriter, r *http.Request) {
	table, id := chi.URLParam(r, "table"), chi.URLParam(r, "id")

	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.rows[table]
	for i, row := range rows {
		if row["sys_id"] == id {
			f.rows[table] = append(rows[:i], rows[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, http.StatusNotFound, "No Record found")
}

func (f *Instance) handleAttachment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	f.mu.Lock()
	data, ok := f.atts[id]
	f.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "No Record found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (f *Instance) handleImport(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f.mu.Lock()
	f.rows[table] = append(f.rows[table], f.fill(body))
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result": []map[string]string{{"status": "inserted", "table": table}},
	})
}

func decodeBody(r *http.Request) (map[string]string, error) {
	var raw map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("malformed body: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			out[k] = t
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(t)
		}
	}
	return out, nil
}

func project(row map[string]string, fields []string) map[string]string {
	if len(fields) == 0 {
		cp := make(map[string]string, len(row))
		for k, v := range row {
			cp[k] = v
		}
		return cp
	}
	cp := make(map[string]string, len(fields))
	for _, field := range fields {
		cp[field] = row[field]
	}
	return cp
}

// condition is one term of a sysparm_query.
type condition struct {
	field, op, value string
}

// orderTerm sorts the matched rows by one field.
type orderTerm struct {
	field string
	desc  bool
}

// query is a parsed sysparm_query.
type query struct {
	conds []condition
	order []orderTerm
}

// parseQuery understands the subset of the query language clients emit:
// terms joined by ^ with =, !=, >=, <=, LIKE, IN, and ISEMPTY operators,
// plus ORDERBY and ORDERBYDESC terms. The trailing EQ marker is ignored.
func parseQuery(raw string) query {
	var out query
	if raw == "" {
		return out
	}
	for _, term := range strings.Split(raw, "^") {
		switch {
		case term == "" || term == "EQ":
			continue
		case strings.HasPrefix(term, "ORDERBYDESC"):
			out.order = append(out.order, orderTerm{field: strings.TrimPrefix(term, "ORDERBYDESC"), desc: true})
			continue
		case strings.HasPrefix(term, "ORDERBY"):
			out.order = append(out.order, orderTerm{field: strings.TrimPrefix(term, "ORDERBY")})
			continue
		case strings.HasSuffix(term, "ISEMPTY"):
			out.conds = append(out.conds, condition{field: strings.TrimSuffix(term, "ISEMPTY"), op: "ISEMPTY"})
			continue
		}
		for _, op := range []string{">=", "<=", "!=", "LIKE", "IN", "="} {
			if f, v, ok := strings.Cut(term, op); ok {
				out.conds = append(out.conds, condition{field: f, op: op, value: v})
				break
			}
		}
	}
	return out
}

func matches(row map[string]string, q query) bool {
	for _, c := range q.conds {
		got := row[c.field]
		switch c.op {
		case "=":
			if got != c.value {
				return false
			}
		case "!=":
			if got == c.value {
				return false
			}
		case ">=":
			// Wire dates compare correctly as strings.
			if got < c.value {
				return false
			}
		case "<=":
			if got > c.value {
				return false
			}
		case "LIKE":
			if !strings.Contains(got, c.value) {
				return false
			}
		case "IN":
			found := false
			for _, v := range strings.Split(c.value, ",") {
				if got == v {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case "ISEMPTY":
			if got != "" {
				return false
			}
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"message": msg, "detail": msg},
	})
}
