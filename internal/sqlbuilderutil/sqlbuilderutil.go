package sqlbuilderutil

import (
	"fmt"
	"strings"

	"fknsrs.biz/p/reflectutil"
	"fknsrs.biz/p/sqlbuilder"

	"fknsrs.biz/p/ytscribe/internal/stringutil"
)

// Table is a sqlbuilder table described by a model struct. Column order
// follows field order.
type Table struct {
	*sqlbuilder.Table
	name       string
	columns    []string
	fieldNames []string
	nameMap    map[string]string
}

func (t *Table) C(name string) *sqlbuilder.BasicColumn {
	return t.Table.C(t.ColumnName(name))
}

func (t *Table) Name() string { return t.name }

func (t *Table) Columns() []string {
	return append([]string(nil), t.columns...)
}

// FieldNames returns the Go field names, parallel to Columns.
func (t *Table) FieldNames() []string {
	return append([]string(nil), t.fieldNames...)
}

// ColumnName resolves a field name or column name to the column name. Unknown
// names are returned unchanged.
func (t *Table) ColumnName(name string) string {
	if columnName, ok := t.nameMap[name]; ok {
		return columnName
	}

	return name
}

// HasColumn reports whether name is exactly one of the table's columns.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.columns {
		if c == name {
			return true
		}
	}

	return false
}

func MakeTable(v interface{}) (*Table, error) {
	s, err := reflectutil.GetDescription(v)
	if err != nil {
		return nil, fmt.Errorf("sqlbuilderutil.MakeTable: could not get struct description: %w", err)
	}

	var tableName string
	var columnNames, fieldNames []string

	nameMap := make(map[string]string)

	for _, f := range s.Fields().WithoutTagValue("sql", "-") {
		var columnName string

		sqlTag := f.Tag("sql")

		if sqlTag != nil && sqlTag.Value() != "" {
			columnName = sqlTag.Value()
		} else {
			columnName = stringutil.PascalToSnake(f.Name())
		}

		columnNames = append(columnNames, columnName)
		fieldNames = append(fieldNames, f.Name())

		nameMap[f.Name()] = columnName
		nameMap[strings.ToLower(f.Name())] = columnName
		nameMap[columnName] = columnName

		if sqlTag != nil {
			if tableParameter := sqlTag.Parameter("table"); tableParameter != nil {
				tableName = tableParameter.Value()
			}
		}
	}

	if tableName == "" {
		tableName = stringutil.PascalToSnake(s.Name())
	}

	return &Table{
		Table:      sqlbuilder.NewTable(tableName, columnNames...),
		name:       tableName,
		columns:    columnNames,
		fieldNames: fieldNames,
		nameMap:    nameMap,
	}, nil
}

func MustMakeTable(v interface{}) *Table {
	t, err := MakeTable(v)
	if err != nil {
		panic(err)
	}
	return t
}
