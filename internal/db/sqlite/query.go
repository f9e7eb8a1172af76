package sqlite

import (
	"strings"

	"github.com/huntsman-telescope/drp/internal/domain/filter"
)

// buildWhere translates filter.Expression into an SQL predicate over the
// documents.data JSON column. Comparisons against missing fields evaluate
// to false, so negations match documents without the field.
func buildWhere(expr filter.Expression) (string, []any) {
	var (
		parts []string
		args  []any
	)

	for _, cond := range expr.Must() {
		sql, a := buildCondition(cond)
		parts = append(parts, sql)
		args = append(args, a...)
	}

	if len(expr.Should()) > 0 {
		should := make([]string, 0, len(expr.Should()))
		for _, cond := range expr.Should() {
			sql, a := buildCondition(cond)
			should = append(should, sql)
			args = append(args, a...)
		}
		parts = append(parts, "("+strings.Join(should, " OR ")+")")
	}

	for _, cond := range expr.MustNot() {
		sql, a := buildCondition(cond)
		parts = append(parts, "NOT "+sql)
		args = append(args, a...)
	}

	if len(parts) == 0 {
		return "1", nil
	}
	return strings.Join(parts, " AND "), args
}

func buildCondition(cond filter.Condition) (string, []any) {
	switch cond.Kind() {
	case filter.KindMatch:
		return buildMatch(cond.Key(), cond.Value())
	case filter.KindIn:
		if len(cond.Values()) == 0 {
			return "0", nil
		}
		parts := make([]string, 0, len(cond.Values()))
		var args []any
		for _, v := range cond.Values() {
			sql, a := buildMatch(cond.Key(), v)
			parts = append(parts, sql)
			args = append(args, a...)
		}
		return "(" + strings.Join(parts, " OR ") + ")", args
	case filter.KindRange:
		return buildRange(cond.Key(), *cond.Range())
	case filter.KindGroup:
		sql, args := buildWhere(*cond.Group())
		return "(" + sql + ")", args
	}
	return "0", nil
}

func buildMatch(key string, value any) (string, []any) {
	path := jsonPath(key)
	if b, ok := value.(bool); ok {
		want := "'false'"
		if b {
			want = "'true'"
		}
		return "IFNULL(json_type(data, " + path + ") = " + want + ", 0)", nil
	}
	return "IFNULL(json_extract(data, " + path + ") = ?, 0)", []any{value}
}

func buildRange(key string, r filter.Range) (string, []any) {
	path := jsonPath(key)
	col := "json_extract(data, " + path + ")"
	parts := []string{"json_type(data, " + path + ") IN ('integer', 'real')"}
	var args []any

	if r.GT() != nil {
		parts = append(parts, col+" > ?")
		args = append(args, *r.GT())
	} else if r.GTE() != nil {
		parts = append(parts, col+" >= ?")
		args = append(args, *r.GTE())
	}
	if r.LT() != nil {
		parts = append(parts, col+" < ?")
		args = append(args, *r.LT())
	} else if r.LTE() != nil {
		parts = append(parts, col+" <= ?")
		args = append(args, *r.LTE())
	}

	return "IFNULL(" + strings.Join(parts, " AND ") + ", 0)", args
}

// jsonPath renders a dotted key as a quoted SQLite JSON path literal, so the
// same text can back expression indexes.
func jsonPath(key string) string {
	var b strings.Builder
	b.WriteString("'$")
	for _, part := range strings.Split(key, ".") {
		b.WriteString(`."`)
		b.WriteString(pathEscaper.Replace(part))
		b.WriteString(`"`)
	}
	b.WriteString("'")
	return b.String()
}

var pathEscaper = strings.NewReplacer(`'`, `''`, `"`, ``)
