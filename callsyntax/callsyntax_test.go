package callsyntax

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		ok      bool
		slug    string
		method  string
		rawArgs string
	}{
		{"bare call", "calculator:calculate(add,1,2)", true, "calculator", "calculate", "add,1,2"},
		{"mid paragraph", "Sure, let me check. web:fetch(https://example.com) and then I will answer.", true, "web", "fetch", "https://example.com"},
		{"empty args", "memory:list()", true, "memory", "list", ""},
		{"underscore and digits", "my_cap2:do_it_3(x)", true, "my_cap2", "do_it_3", "x"},
		{"first closing paren wins", "calculator:calculate(max, (1), 2)", true, "calculator", "calculate", "max, (1"},
		{"args span lines", "memory:remember(note,\nline two)", true, "memory", "remember", "note,\nline two"},
		{"no closing paren", "calculator:calculate(add,1,2", false, "", "", ""},
		{"space before paren", "calculator:calculate (add)", false, "", "", ""},
		{"space after colon", "calculator: calculate(add)", false, "", "", ""},
		{"missing method", "calculator:(add)", false, "", "", ""},
		{"url is not a call", "see https://example.com/a(b)", false, "", "", ""},
		{"plain prose", "The answer is 3.", false, "", "", ""},
		{"resumes after failed prefix", "a:b:c(x)", true, "b", "c", "x"},
		{"trailing text tolerated", "web:fetch(a) thanks!", true, "web", "fetch", "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, ok := Extract(tt.text)
			require.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, tt.slug, call.Slug)
			assert.Equal(t, tt.method, call.Method)
			assert.Equal(t, tt.rawArgs, call.RawArgs)
			assert.Equal(t, call.Expression(), tt.text[call.Start:call.End])
		})
	}
}

func TestExtractFirstOnly(t *testing.T) {
	text := "first web:fetch(a) then calculator:calculate(add,1,2)"
	call, ok := Extract(text)
	require.True(t, ok)
	assert.Equal(t, "web", call.Slug)

	all := ExtractAll(text)
	require.Len(t, all, 2)
	assert.Equal(t, "web", all[0].Slug)
	assert.Equal(t, "calculator", all[1].Slug)
}

func TestExtractIdempotent(t *testing.T) {
	texts := []string{
		"calculator:calculate(add,1,2)",
		"x a:b:c(d) y",
		"nothing here",
		"memory:remember(k, {\"a\": 1, \"b\": 2})",
	}
	for _, text := range texts {
		first, ok1 := Extract(text)
		second, ok2 := Extract(text)
		assert.Equal(t, ok1, ok2)
		assert.Equal(t, first, second)
	}
}

func TestContains(t *testing.T) {
	assert.True(t, Contains("please run calculator:calculate(add,1,2) now"))
	assert.False(t, Contains("no calls"))
}

func TestExtractAllEmpty(t *testing.T) {
	assert.Empty(t, ExtractAll(""))
	assert.Empty(t, ExtractAll("ratio 3:4 (approx)"))
}
