package variable

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zaplane/zaplane/model"
)

func intp(i int) *int { return &i }

func TestResolve_ordering(t *testing.T) {
	lead := model.Lead{"nome": "Ana", "cidade": "Recife"}
	spec := model.MappingSpec{
		{Index: 3, Component: model.ComponentBody, Order: intp(2), Type: model.MappingTypeValue, Value: "second"},
		{Index: 1, Component: model.ComponentBody, Order: intp(1), Type: model.MappingTypeColumn, Column: "nome"},
		{Index: 2, Component: model.ComponentBody, Type: model.MappingTypeColumn, Column: "cidade"}, // no order: last
	}

	_, body := Resolve(lead, spec)

	require.Len(t, body, 3)
	assert.Equal(t, "Ana", body[0].Value)
	assert.Equal(t, "second", body[1].Value)
	assert.Equal(t, "Recife", body[2].Value)
}

func TestResolve_unorderedKeepEncounterOrder(t *testing.T) {
	spec := model.MappingSpec{
		{Index: 1, Component: model.ComponentBody, Type: model.MappingTypeValue, Value: "a"},
		{Index: 2, Component: model.ComponentBody, Type: model.MappingTypeValue, Value: "b"},
		{Index: 3, Component: model.ComponentBody, Order: intp(0), Type: model.MappingTypeValue, Value: "first"},
		{Index: 4, Component: model.ComponentBody, Type: model.MappingTypeValue, Value: "c"},
	}

	_, body := Resolve(model.Lead{}, spec)

	require.Len(t, body, 4)
	assert.Equal(t, "first", body[0].Value)
	assert.Equal(t, []string{"a", "b", "c"}, []string{body[1].Value, body[2].Value, body[3].Value})
}

func TestResolve_componentSplit(t *testing.T) {
	spec := model.MappingSpec{
		{Index: 1, Component: model.ComponentHeader, Order: intp(1), Type: model.MappingTypeValue, Value: "head"},
		{Index: 1, Component: model.ComponentBody, Order: intp(2), Type: model.MappingTypeValue, Value: "tail"},
	}

	header, body := Resolve(model.Lead{}, spec)

	require.Len(t, header, 1)
	require.Len(t, body, 1)
	assert.Equal(t, "head", header[0].Value)
	assert.Equal(t, "tail", body[0].Value)
}

func TestResolve_missingColumnResolvesEmpty(t *testing.T) {
	spec := model.MappingSpec{
		{Index: 1, Component: model.ComponentBody, Type: model.MappingTypeColumn, Column: "ausente"},
	}

	_, body := Resolve(model.Lead{"nome": "Ana"}, spec)

	require.Len(t, body, 1)
	assert.Equal(t, "", body[0].Value)
}

func TestResolve_emptySpec(t *testing.T) {
	header, body := Resolve(model.Lead{"nome": "Ana"}, nil)
	assert.Nil(t, header)
	assert.Nil(t, body)
}

func TestCoerce(t *testing.T) {
	assert.Equal(t, "", Coerce(nil))
	assert.Equal(t, "texto", Coerce("  texto  "))
	assert.Equal(t, "42", Coerce(float64(42)))
	assert.Equal(t, "3.5", Coerce(3.5))
	assert.Equal(t, "true", Coerce(true))

	long := strings.Repeat("x", 150)
	assert.Len(t, Coerce(long), 100)
}

func TestCoerce_truncatesOnRuneBoundary(t *testing.T) {
	// An accented rune straddling the limit must be dropped whole, not cut
	// into a dangling continuation byte.
	got := Coerce(strings.Repeat("a", 99) + "éé")
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 100, utf8.RuneCountInString(got))
	assert.Equal(t, strings.Repeat("a", 99)+"é", got)
}
