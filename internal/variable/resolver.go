// Package variable resolves per-recipient message parameters from a
// campaign's mapping specification, producing channel-ready header and body
// parameter lists decoupled from the recipient schema.
package variable

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/zaplane/zaplane/model"
)

// maxValueLen is the channel's parameter length ceiling.
const maxValueLen = 100

// orderSentinel sorts entries without an explicit order after every explicit
// one while keeping their encounter order (stable sort).
const orderSentinel = 1 << 30

// Param is one positional message parameter.
type Param struct {
	Index int    `json:"index"`
	Value string `json:"value"`
}

// Resolve produces the ordered header and body parameter lists for one lead.
// Entries sort ascending by declared order; column-typed entries read the
// named lead field, value-typed ones use the literal. Missing fields resolve
// to empty text.
func Resolve(lead model.Lead, spec model.MappingSpec) (header, body []Param) {
	if len(spec) == 0 {
		return nil, nil
	}

	sorted := make([]model.VariableMapping, len(spec))
	copy(sorted, spec)
	sort.SliceStable(sorted, func(i, j int) bool {
		return effectiveOrder(sorted[i]) < effectiveOrder(sorted[j])
	})

	for _, m := range sorted {
		p := Param{Index: m.Index, Value: resolveValue(lead, m)}
		if m.Component == model.ComponentHeader {
			header = append(header, p)
		} else {
			body = append(body, p)
		}
	}
	return header, body
}

func effectiveOrder(m model.VariableMapping) int {
	if m.Order == nil {
		return orderSentinel
	}
	return *m.Order
}

func resolveValue(lead model.Lead, m model.VariableMapping) string {
	var raw any
	if m.Type == model.MappingTypeColumn {
		raw = lead[m.Column]
	} else {
		raw = m.Value
	}
	return Coerce(raw)
}

// Coerce converts a lead field to text and truncates it to the channel's
// parameter limit. Nil resolves to empty text.
func Coerce(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		s = t
	case float64:
		// JSON numbers: render integers without the decimal point.
		if t == float64(int64(t)) {
			s = fmt.Sprintf("%d", int64(t))
		} else {
			s = fmt.Sprintf("%v", t)
		}
	default:
		s = fmt.Sprintf("%v", t)
	}
	s = strings.TrimSpace(s)
	return truncateRunes(s, maxValueLen)
}

// truncateRunes cuts on rune boundaries so multi-byte characters at the
// limit are dropped whole, never split into invalid UTF-8.
func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit])
}
