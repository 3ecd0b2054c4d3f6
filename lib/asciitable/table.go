/*
Copyright 2026 The Nanobot Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package asciitable implements a simple ASCII table formatter for
// printing tabular values into a text terminal.
package asciitable

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
)

// column tracks a header and the widest cell seen under it, which
// sizes the dashed separator line.
type column struct {
	title string
	width int
}

// Table holds tabular values in a rows and columns format.
type Table struct {
	columns []column
	rows    [][]string
}

// MakeTable creates a new instance of the table with given column
// names. Optionally rows to be added to the table may be included.
func MakeTable(headers []string, rows ...[]string) Table {
	t := Table{columns: make([]column, len(headers))}
	for i := range t.columns {
		t.columns[i].title = headers[i]
		t.columns[i].width = len(headers[i])
	}
	for _, row := range rows {
		t.AddRow(row)
	}
	return t
}

// AddRow adds a row of cells to the table. Cells beyond the column
// count are dropped.
func (t *Table) AddRow(row []string) {
	limit := min(len(row), len(t.columns))
	for i := 0; i < limit; i++ {
		t.columns[i].width = max(len(row[i]), t.columns[i].width)
	}
	t.rows = append(t.rows, row[:limit])
}

// AsBuffer returns a *bytes.Buffer with the printed output of the table.
func (t *Table) AsBuffer() *bytes.Buffer {
	var buffer bytes.Buffer

	writer := tabwriter.NewWriter(&buffer, 5, 0, 1, ' ', 0)
	template := strings.Repeat("%v\t", len(t.columns))

	var colh []any
	var cols []any
	for _, col := range t.columns {
		colh = append(colh, col.title)
		cols = append(cols, strings.Repeat("-", col.width))
	}
	fmt.Fprintf(writer, template+"\n", colh...)
	fmt.Fprintf(writer, template+"\n", cols...)

	for _, row := range t.rows {
		rowi := make([]any, 0, len(row))
		for _, cell := range row {
			rowi = append(rowi, cell)
		}
		fmt.Fprintf(writer, template+"\n", rowi...)
	}

	writer.Flush()
	return &buffer
}
