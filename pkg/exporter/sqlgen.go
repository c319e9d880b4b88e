package exporter

import (
	"strings"
)

// maxFilesPerCopy caps the file list of a single COPY statement; the
// warehouse rejects much longer statements.
const maxFilesPerCopy = 1000

// CreateTableSQL emits the DDL for a destination with its resolved columns,
// in resolution order. Column identifiers are normalized; the table path is
// caller-controlled and emitted as resolved.
func CreateTableSQL(tablePath string, columns []Column) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(tablePath)
	b.WriteString(" (")
	for i, col := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(NormalizeIdentifier(col.Name))
		b.WriteByte(' ')
		b.WriteString(string(col.Type))
	}
	b.WriteString(")")
	return b.String()
}

// PopulateTableSQL emits the COPY statements that bulk-load the staged files
// into a destination table, one statement per chunk of at most
// maxFilesPerCopy files. Each column is selected by field-path projection
// from the staged JSON payload; the projection keeps the raw field name while
// the column list uses normalized identifiers.
func PopulateTableSQL(tablePath, stage string, columns []Column, filePaths []string) []string {
	var colList strings.Builder
	var projection strings.Builder
	for i, col := range columns {
		if i > 0 {
			colList.WriteString(", ")
			projection.WriteString(", ")
		}
		colList.WriteString(NormalizeIdentifier(col.Name))
		projection.WriteString("$1:")
		projection.WriteString(col.Name)
	}

	statements := make([]string, 0, (len(filePaths)+maxFilesPerCopy-1)/maxFilesPerCopy)
	for start := 0; start < len(filePaths); start += maxFilesPerCopy {
		end := start + maxFilesPerCopy
		if end > len(filePaths) {
			end = len(filePaths)
		}

		var b strings.Builder
		b.WriteString("COPY INTO ")
		b.WriteString(tablePath)
		b.WriteString(" (")
		b.WriteString(colList.String())
		b.WriteString(") FROM (SELECT ")
		b.WriteString(projection.String())
		b.WriteString(" FROM ")
		b.WriteString(stage)
		b.WriteString(") FILE_FORMAT = (TYPE = JSON) FILES = (")
		for i, fpath := range filePaths[start:end] {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quoteLiteral(fpath))
		}
		b.WriteString(")")
		statements = append(statements, b.String())
	}
	return statements
}

// RemoveFilesSQL emits one REMOVE statement per staged file. An empty list
// yields no statements.
func RemoveFilesSQL(stage string, filePaths []string) []string {
	statements := make([]string, 0, len(filePaths))
	for _, fpath := range filePaths {
		statements = append(statements, "REMOVE "+stage+"/"+fpath)
	}
	return statements
}

// quoteLiteral wraps s in single quotes, doubling embedded quotes.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
