package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode/utf8"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
)

type tableInfo struct {
	columns []string
	types   []string // COLUMN_TYPE, empty when names came from the binlog
	pk      []int
}

func (t tableInfo) name(i int) string {
	if i < len(t.columns) {
		return t.columns[i]
	}
	return fmt.Sprintf("col_%d", i)
}

// value converts a decoded cell. TEXT columns arrive as []byte; they are
// turned into strings, binary columns stay bytes. Without type info valid
// UTF-8 is treated as text.
func (t tableInfo) value(i int, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if i < len(t.types) {
		typ := strings.ToUpper(t.types[i])
		if strings.Contains(typ, "BLOB") || strings.Contains(typ, "BINARY") {
			return b
		}
		return string(b)
	}
	if utf8.Valid(b) {
		return string(b)
	}
	return b
}

// lookupFunc resolves columns for tables whose TableMap carries no names.
type lookupFunc func(ctx context.Context, db, table string) (tableInfo, error)

// fromTableMap uses the optional metadata of binlog_row_metadata=FULL.
func fromTableMap(tme *replication.TableMapEvent) (tableInfo, bool) {
	if len(tme.ColumnName) == 0 {
		return tableInfo{}, false
	}
	info := tableInfo{columns: tme.ColumnNameString()}
	for _, i := range tme.PrimaryKey {
		info.pk = append(info.pk, int(i))
	}
	return info, true
}

const columnsQuery = `
	SELECT COLUMN_NAME, COLUMN_TYPE, COLUMN_KEY
	FROM INFORMATION_SCHEMA.COLUMNS
	WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
	ORDER BY ORDINAL_POSITION`

func queryTableInfo(db *sql.DB) lookupFunc {
	return func(ctx context.Context, schema, table string) (tableInfo, error) {
		rows, err := db.QueryContext(ctx, columnsQuery, schema, table)
		if err != nil {
			return tableInfo{}, fmt.Errorf("query columns of %s.%s: %w", schema, table, err)
		}
		defer rows.Close()

		var info tableInfo
		for i := 0; rows.Next(); i++ {
			var name, typ, key string
			if err := rows.Scan(&name, &typ, &key); err != nil {
				return tableInfo{}, err
			}
			info.columns = append(info.columns, name)
			info.types = append(info.types, typ)
			if key == "PRI" {
				info.pk = append(info.pk, i)
			}
		}
		if err := rows.Err(); err != nil {
			return tableInfo{}, err
		}
		if len(info.columns) == 0 {
			return tableInfo{}, fmt.Errorf("table %s.%s not found", schema, table)
		}
		return info, nil
	}
}

// masterPosition reads the server's current binlog coordinates. MySQL 8.4
// renamed the statement, so both spellings are tried.
func masterPosition(ctx context.Context, db *sql.DB) (gomysql.Position, error) {
	var lastErr error
	for _, q := range []string{"SHOW MASTER STATUS", "SHOW BINARY LOG STATUS"} {
		pos, err := scanPosition(ctx, db, q)
		if err == nil {
			return pos, nil
		}
		lastErr = err
	}
	return gomysql.Position{}, lastErr
}

func scanPosition(ctx context.Context, db *sql.DB, q string) (gomysql.Position, error) {
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return gomysql.Position{}, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return gomysql.Position{}, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return gomysql.Position{}, err
		}
		return gomysql.Position{}, fmt.Errorf("%s: no rows (is binary logging enabled?)", q)
	}
	vals := make([]sql.RawBytes, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return gomysql.Position{}, err
	}
	if len(vals) < 2 {
		return gomysql.Position{}, fmt.Errorf("%s: unexpected columns %v", q, cols)
	}
	var pos uint32
	if _, err := fmt.Sscanf(string(vals[1]), "%d", &pos); err != nil {
		return gomysql.Position{}, fmt.Errorf("%s: position %q: %w", q, vals[1], err)
	}
	return gomysql.Position{Name: string(vals[0]), Pos: pos}, nil
}
