package output

import (
	"io"

	"github.com/olekukonko/tablewriter"
)

// TableData accumulates rows for a borderless left-aligned table.
type TableData struct {
	headers []string
	rows    [][]string
}

// NewTableData creates an empty table with the given column headers.
func NewTableData(headers ...string) *TableData {
	return &TableData{headers: headers}
}

// AddRow appends one row of cells.
func (t *TableData) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Rows returns the accumulated rows.
func (t *TableData) Rows() [][]string {
	return t.rows
}

// PrintTable renders t to w without borders or separators, padded with
// two spaces between columns.
func PrintTable(w io.Writer, t *TableData) error {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader(t.headers)
	tw.SetAutoWrapText(false)
	tw.SetAutoFormatHeaders(true)
	tw.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	tw.SetAlignment(tablewriter.ALIGN_LEFT)
	tw.SetCenterSeparator("")
	tw.SetColumnSeparator("")
	tw.SetRowSeparator("")
	tw.SetHeaderLine(false)
	tw.SetBorder(false)
	tw.SetTablePadding("  ")
	tw.SetNoWhiteSpace(true)
	for _, row := range t.rows {
		tw.Append(row)
	}
	tw.Render()
	return nil
}
