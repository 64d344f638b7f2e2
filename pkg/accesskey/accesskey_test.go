package accesskey

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInput() Input {
	return Input{
		IssuedAt:      time.Date(2026, time.March, 15, 10, 30, 0, 0, time.UTC),
		DocType:       "01",
		FiscalID:      "1790012345001",
		Environment:   "1",
		Establishment: "001",
		EmissionPoint: "002",
		Sequential:    42,
		NumericCode:   "12345678",
	}
}

func TestDerive(t *testing.T) {
	key, err := Derive(validInput())
	require.NoError(t, err)

	assert.Len(t, key, Length)
	assert.True(t, Valid(key))

	// Field layout per the published rule.
	assert.Equal(t, "15032026", key[0:8], "date segment")
	assert.Equal(t, "01", key[8:10], "doc type segment")
	assert.Equal(t, "1790012345001", key[10:23], "fiscal id segment")
	assert.Equal(t, "1", key[23:24], "environment segment")
	assert.Equal(t, "001002", key[24:30], "series segment")
	assert.Equal(t, "000000042", key[30:39], "sequential segment")
	assert.Equal(t, "12345678", key[39:47], "numeric code segment")
	assert.Equal(t, "1", key[47:48], "emission type segment")
}

func TestDeriveDeterministic(t *testing.T) {
	a, err := Derive(validInput())
	require.NoError(t, err)
	b, err := Derive(validInput())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDeriveDistinctSequentials(t *testing.T) {
	in := validInput()
	a, err := Derive(in)
	require.NoError(t, err)

	in.Sequential = 43
	b, err := Derive(in)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestDeriveValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
	}{
		{"short doc type", func(in *Input) { in.DocType = "1" }},
		{"short fiscal id", func(in *Input) { in.FiscalID = "179001234500" }},
		{"bad environment", func(in *Input) { in.Environment = "3" }},
		{"short establishment", func(in *Input) { in.Establishment = "01" }},
		{"short emission point", func(in *Input) { in.EmissionPoint = "02" }},
		{"zero sequential", func(in *Input) { in.Sequential = 0 }},
		{"sequential overflow", func(in *Input) { in.Sequential = 1000000000 }},
		{"short numeric code", func(in *Input) { in.NumericCode = "1234567" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			_, err := Derive(in)
			assert.Error(t, err)
		})
	}
}

func TestCode(t *testing.T) {
	a := Code([]byte("canonical document content"))
	b := Code([]byte("canonical document content"))
	c := Code([]byte("different content"))

	assert.Len(t, a, 8)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	for _, ch := range a {
		assert.True(t, ch >= '0' && ch <= '9')
	}
}

func TestCheckDigit(t *testing.T) {
	// Weights cycle 2..7 from the rightmost digit:
	// "41" -> 1*2 + 4*3 = 14, 11 - (14 % 11) = 8
	assert.Equal(t, 8, CheckDigit("41"))

	// "10" -> 0*2 + 1*3 = 3, 11 - 3 = 8
	assert.Equal(t, 8, CheckDigit("10"))

	// "00" -> sum 0, 11 - 0 = 11 maps to 0
	assert.Equal(t, 0, CheckDigit("00"))

	// "05" -> 5*2 = 10, 11 - 10 = 1
	assert.Equal(t, 1, CheckDigit("05"))

	// "55" -> 5*2 + 5*3 = 25, 11 - (25 % 11) = 8
	assert.Equal(t, 8, CheckDigit("55"))
}

func TestValid(t *testing.T) {
	key, err := Derive(validInput())
	require.NoError(t, err)

	assert.True(t, Valid(key))
	assert.False(t, Valid(key[:Length-1]), "truncated key")
	assert.False(t, Valid(key[:Length-1]+"x"), "non-digit check position")

	// Flip the check digit.
	last := key[Length-1]
	flipped := byte('0')
	if last == '0' {
		flipped = '1'
	}
	assert.False(t, Valid(key[:Length-1]+string(flipped)))
}
