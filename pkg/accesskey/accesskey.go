// Package accesskey derives the 49-digit access key that permanently and
// publicly identifies a fiscal document. The derivation is exact-format per
// the tax authority's published rule:
//
//	date DDMMYYYY (8) | doc type (2) | fiscal id (13) | environment (1) |
//	establishment+emission point (6) | sequential (9) | numeric code (8) |
//	emission type (1) | mod-11 check digit (1)
//
// The numeric code is derived from the canonical document content, so the
// same document always produces the same key.
package accesskey

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Length of a complete access key.
const Length = 49

// emissionNormal is the only emission type this platform produces.
const emissionNormal = "1"

// Input carries every field of the derivation.
type Input struct {
	IssuedAt      time.Time
	DocType       string // 2 digits
	FiscalID      string // 13 digits
	Environment   string // "1" test, "2" production
	Establishment string // 3 digits
	EmissionPoint string // 3 digits
	Sequential    int64  // 1..999999999
	NumericCode   string // 8 digits, see Code
}

// Validate checks field widths before derivation.
func (in Input) Validate() error {
	switch {
	case len(in.DocType) != 2:
		return fmt.Errorf("doc type must be 2 digits, got %q", in.DocType)
	case len(in.FiscalID) != 13:
		return fmt.Errorf("fiscal id must be 13 digits, got %q", in.FiscalID)
	case in.Environment != "1" && in.Environment != "2":
		return fmt.Errorf("environment must be 1 or 2, got %q", in.Environment)
	case len(in.Establishment) != 3:
		return fmt.Errorf("establishment must be 3 digits, got %q", in.Establishment)
	case len(in.EmissionPoint) != 3:
		return fmt.Errorf("emission point must be 3 digits, got %q", in.EmissionPoint)
	case in.Sequential < 1 || in.Sequential > 999999999:
		return fmt.Errorf("sequential out of range: %d", in.Sequential)
	case len(in.NumericCode) != 8:
		return fmt.Errorf("numeric code must be 8 digits, got %q", in.NumericCode)
	}
	return nil
}

// Derive builds the access key. Deterministic: identical input yields an
// identical key.
func Derive(in Input) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}

	body := in.IssuedAt.Format("02012006") +
		in.DocType +
		in.FiscalID +
		in.Environment +
		in.Establishment + in.EmissionPoint +
		fmt.Sprintf("%09d", in.Sequential) +
		in.NumericCode +
		emissionNormal

	return body + fmt.Sprintf("%d", CheckDigit(body)), nil
}

// Code derives the 8-digit numeric code from canonical document content.
func Code(content []byte) string {
	sum := sha256.Sum256(content)
	n := binary.BigEndian.Uint64(sum[:8]) % 100000000
	return fmt.Sprintf("%08d", n)
}

// CheckDigit computes the mod-11 check digit over a digit string, applying
// weights 2..7 cycling from the rightmost digit. Results 11 and 10 map to
// 0 and 1 respectively, per the published rule.
func CheckDigit(digits string) int {
	sum := 0
	weight := 2
	for i := len(digits) - 1; i >= 0; i-- {
		sum += int(digits[i]-'0') * weight
		weight++
		if weight > 7 {
			weight = 2
		}
	}
	d := 11 - (sum % 11)
	switch d {
	case 11:
		return 0
	case 10:
		return 1
	}
	return d
}

// Valid reports whether key is 49 digits with a correct check digit.
func Valid(key string) bool {
	if len(key) != Length {
		return false
	}
	for _, c := range key {
		if c < '0' || c > '9' {
			return false
		}
	}
	return CheckDigit(key[:Length-1]) == int(key[Length-1]-'0')
}
