// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// listColumn scans a list-of-strings column.
type listColumn interface {
	sql.Scanner
	Strings() []string
}

// dialect carries what differs between the SQL backends. Queries are written
// with "?" placeholders and rebound per dialect.
type dialect struct {
	name string
	// schema is executed once on open.
	schema string
	// numbered placeholders ($1, $2, ...) instead of "?".
	numbered bool
	// lockClause is appended to the claim query.
	lockClause string
	// anyResource matches blockers.resource against a list parameter.
	anyResource string
	// notifyInProcess publishes changes after each write; otherwise the
	// database notifies (Postgres trigger + LISTEN).
	notifyInProcess bool

	encodeList func([]string) any
	newList    func() listColumn
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) list(v []string) any {
	if v == nil {
		v = []string{}
	}
	return d.encodeList(v)
}

var postgresDialect = dialect{
	name:        "postgres",
	schema:      postgresSchema,
	numbered:    true,
	lockClause:  " FOR UPDATE SKIP LOCKED",
	anyResource: "resource = ANY(?)",
	encodeList: func(v []string) any {
		return pq.Array(v)
	},
	newList: func() listColumn { return &pgList{} },
}

var sqliteDialect = dialect{
	name:            "sqlite",
	schema:          sqliteSchema,
	anyResource:     "resource IN (SELECT value FROM json_each(?))",
	notifyInProcess: true,
	encodeList: func(v []string) any {
		data, _ := json.Marshal(v)
		return string(data)
	},
	newList: func() listColumn { return &jsonList{} },
}

// pgList reads a Postgres text[] column.
type pgList struct {
	pq.StringArray
}

func (l *pgList) Strings() []string {
	if l.StringArray == nil {
		return []string{}
	}
	return []string(l.StringArray)
}

// jsonList reads a JSON array stored as text.
type jsonList struct {
	values []string
}

func (l *jsonList) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		l.values = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("jsonList: unsupported source %T", src)
	}
	if len(data) == 0 {
		l.values = nil
		return nil
	}
	return json.Unmarshal(data, &l.values)
}

func (l *jsonList) Strings() []string {
	if l.values == nil {
		return []string{}
	}
	return l.values
}
