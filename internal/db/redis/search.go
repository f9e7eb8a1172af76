package redis

import (
	"strconv"
	"strings"

	"github.com/huntsman-telescope/drp/internal/db"
	"github.com/huntsman-telescope/drp/internal/domain/filter"
)

// buildQuery prunes expr and renders it as an FT.SEARCH query string.
// It returns false when the expression can never match.
func buildQuery(expr filter.Expression) (string, bool) {
	pruned, ok := expr.Prune()
	if !ok {
		return "", false
	}
	if q := buildFilter(pruned); q != "" {
		return q, true
	}
	return "*", true
}

// buildFilter translates a pruned filter.Expression into FT.SEARCH syntax.
func buildFilter(expr filter.Expression) string {
	if expr.IsEmpty() {
		return ""
	}

	var parts []string

	for _, cond := range expr.Must() {
		if c := buildCondition(cond); c != "" {
			parts = append(parts, c)
		}
	}

	if shouldParts := buildShouldGroup(expr.Should()); shouldParts != "" {
		parts = append(parts, shouldParts)
	}

	for _, cond := range expr.MustNot() {
		if c := buildCondition(cond); c != "" {
			parts = append(parts, "-"+c)
		}
	}

	return strings.Join(parts, " ")
}

func buildCondition(cond filter.Condition) string {
	switch cond.Kind() {
	case filter.KindMatch:
		return buildMatch(db.FieldAlias(cond.Key()), cond.Value())
	case filter.KindIn:
		return buildIn(db.FieldAlias(cond.Key()), cond.Values())
	case filter.KindRange:
		return buildNumericFilter(db.FieldAlias(cond.Key()), *cond.Range())
	case filter.KindGroup:
		inner := buildFilter(*cond.Group())
		if inner == "" {
			return ""
		}
		return "(" + inner + ")"
	}
	return ""
}

func buildShouldGroup(conditions []filter.Condition) string {
	if len(conditions) == 0 {
		return ""
	}
	parts := make([]string, 0, len(conditions))
	for _, cond := range conditions {
		if c := buildCondition(cond); c != "" {
			parts = append(parts, c)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "(" + strings.Join(parts, " | ") + ")"
}

func buildMatch(alias string, value any) string {
	switch v := value.(type) {
	case string:
		return "@" + alias + ":{" + tagEscaper.Replace(v) + "}"
	case bool:
		return "@" + alias + ":{" + strconv.FormatBool(v) + "}"
	case float64:
		n := formatNumber(v)
		return "@" + alias + ":[" + n + " " + n + "]"
	}
	return ""
}

// buildIn uses the TAG union syntax when every value is a string.
func buildIn(alias string, values []any) string {
	tags := make([]string, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			tags = nil
			break
		}
		tags = append(tags, tagEscaper.Replace(s))
	}
	if len(tags) == len(values) {
		return "@" + alias + ":{" + strings.Join(tags, " | ") + "}"
	}

	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, buildMatch(alias, v))
	}
	return "(" + strings.Join(parts, " | ") + ")"
}

func buildNumericFilter(alias string, r filter.Range) string {
	minBound := "-inf"
	maxBound := "+inf"

	if r.GT() != nil {
		minBound = "(" + formatNumber(*r.GT())
	} else if r.GTE() != nil {
		minBound = formatNumber(*r.GTE())
	}

	if r.LT() != nil {
		maxBound = "(" + formatNumber(*r.LT())
	} else if r.LTE() != nil {
		maxBound = formatNumber(*r.LTE())
	}

	return "@" + alias + ":[" + minBound + " " + maxBound + "]"
}

// formatNumber avoids exponent notation, which RediSearch rejects in ranges.
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var tagEscaper = strings.NewReplacer(
	",", "\\,",
	".", "\\.",
	"<", "\\<",
	">", "\\>",
	"{", "\\{",
	"}", "\\}",
	"[", "\\[",
	"]", "\\]",
	"\"", "\\\"",
	"'", "\\'",
	":", "\\:",
	";", "\\;",
	"!", "\\!",
	"@", "\\@",
	"#", "\\#",
	"$", "\\$",
	"%", "\\%",
	"^", "\\^",
	"&", "\\&",
	"*", "\\*",
	"(", "\\(",
	")", "\\)",
	"-", "\\-",
	"+", "\\+",
	"=", "\\=",
	"~", "\\~",
	"|", "\\|",
	"/", "\\/",
	" ", "\\ ",
)
