package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseList(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		normalize func(string) string
		expected  []string
	}{
		{name: "empty string", input: "", expected: nil},
		{name: "only separators", input: " , ,", expected: nil},
		{name: "single value", input: "SSE", expected: []string{"SSE"}},
		{name: "varied spacing", input: "SSE,  SZSE , BSE", expected: []string{"SSE", "SZSE", "BSE"}},
		{name: "trailing comma", input: "SSE,", expected: []string{"SSE"}},
		{name: "duplicates keep first", input: "SZSE,SSE,SZSE", expected: []string{"SZSE", "SSE"}},
		{name: "case sensitive without normalize", input: "sse,SSE", expected: []string{"sse", "SSE"}},
		{name: "upper case normalize", input: "sse, SSE ,szse", normalize: strings.ToUpper, expected: []string{"SSE", "SZSE"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseList(tt.input, tt.normalize))
		})
	}
}
