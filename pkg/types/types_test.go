package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDampen(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{name: "empty means zero", input: "", expected: 0},
		{name: "plain integer is seconds", input: "5", expected: 5 * time.Second},
		{name: "zero", input: "0", expected: 0},
		{name: "duration milliseconds", input: "500ms", expected: 500 * time.Millisecond},
		{name: "duration minutes", input: "1m", expected: time.Minute},
		{name: "negative seconds rejected", input: "-5", wantErr: true},
		{name: "negative duration rejected", input: "-2s", wantErr: true},
		{name: "garbage rejected", input: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDampen(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d)
		})
	}
}

func TestParseInterval(t *testing.T) {
	assert.Equal(t, 5000, ParseInterval("5"))
	assert.Equal(t, 500, ParseInterval("500ms"))
	assert.Equal(t, 0, ParseInterval(""))

	// Invalid intervals parse to zero rather than erroring
	assert.Equal(t, 0, ParseInterval("whenever"))
}

func TestExpandValue(t *testing.T) {
	old := func(s string) *string { return &s }

	tests := []struct {
		name     string
		value    string
		old      *string
		expected string
	}{
		{name: "plain value unchanged", value: "5", old: old("3"), expected: "5"},
		{name: "increment", value: "fail-count++", old: old("3"), expected: "4"},
		{name: "increment from unset", value: "x++", old: nil, expected: "1"},
		{name: "increment from non-numeric", value: "x++", old: old("INFINITY"), expected: "1"},
		{name: "add offset", value: "x+=10", old: old("5"), expected: "15"},
		{name: "add offset from unset", value: "x+=2", old: nil, expected: "2"},
		{name: "bad offset increments by one", value: "x+=lots", old: old("7"), expected: "8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExpandValue(tt.value, tt.old))
		})
	}
}

func TestNeedsExpansion(t *testing.T) {
	assert.True(t, NeedsExpansion("v++"))
	assert.True(t, NeedsExpansion("v+=3"))
	assert.False(t, NeedsExpansion("5"))
	assert.False(t, NeedsExpansion("+"))
}

func TestRequestClone(t *testing.T) {
	v := "1"
	req := &Request{Op: OpUpdate, Name: "fail-count-web", Value: &v}
	clone := req.Clone()

	*clone.Value = "2"
	assert.Equal(t, "1", *req.Value, "clone must not share value storage")
	assert.Equal(t, req.Name, clone.Name)
}
