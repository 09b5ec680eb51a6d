// Package schema fetches, parses, and caches per-table column schemas from
// the instance's XML SCHEMA endpoint.
package schema

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"

	"github.com/datamart/snsync/sncerr"
)

// Entry describes one remote column as reported by the SCHEMA endpoint.
// Entries are never mutated after the table schema is published.
type Entry struct {
	Name           string
	Type           string
	MaxLength      int
	ReferenceTable string
	ChoiceList     bool
}

// Table is the parsed schema of one table.
type Table struct {
	Name    string
	Columns map[string]Entry
}

// Has reports whether the table has a column with the given name.
func (t *Table) Has(name string) bool {
	_, ok := t.Columns[name]
	return ok
}

// Names returns the column names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.Columns))
	for n := range t.Columns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type schemaXML struct {
	XMLName  xml.Name
	Elements []elementXML `xml:"element"`
}

type elementXML struct {
	Name           string `xml:"name,attr"`
	InternalType   string `xml:"internal_type,attr"`
	MaxLength      string `xml:"max_length,attr"`
	ReferenceTable string `xml:"reference_table,attr"`
	ChoiceList     string `xml:"choice_list,attr"`
}

// Parse decodes the XML document returned by /{table}.do?SCHEMA. The root
// element is named after the table with one <element> child per column.
func Parse(table string, data []byte) (*Table, error) {
	var doc schemaXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		e := sncerr.Wrap(sncerr.Schema, err, "unparseable schema document")
		e.Table = table
		return nil, e
	}
	if len(doc.Elements) == 0 {
		e := sncerr.New(sncerr.Schema, "schema document has no element entries")
		e.Table = table
		return nil, e
	}

	out := &Table{Name: table, Columns: make(map[string]Entry, len(doc.Elements))}
	for _, el := range doc.Elements {
		if el.Name == "" || el.InternalType == "" {
			e := sncerr.New(sncerr.Schema, "schema element %q missing name or internal_type", el.Name)
			e.Table = table
			return nil, e
		}
		maxLen := 0
		if el.MaxLength != "" {
			n, err := strconv.Atoi(el.MaxLength)
			if err != nil {
				e := sncerr.New(sncerr.Schema, "schema element %s has bad max_length %q", el.Name, el.MaxLength)
				e.Table = table
				e.Column = el.Name
				return nil, e
			}
			maxLen = n
		}
		out.Columns[el.Name] = Entry{
			Name:           el.Name,
			Type:           el.InternalType,
			MaxLength:      maxLen,
			ReferenceTable: el.ReferenceTable,
			ChoiceList:     el.ChoiceList == "true",
		}
	}
	return out, nil
}

// SchemaURL returns the path of the SCHEMA endpoint relative to the
// instance root.
func SchemaURL(table string) string {
	return fmt.Sprintf("/%s.do?SCHEMA", table)
}
