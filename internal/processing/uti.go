package processing

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// utiRegex matches: {LEI}:{YYYYMMDD}-{8 upper-case hex}
// Example: LEI-BANK_A:20250314-0A1B2C3D
var utiRegex = regexp.MustCompile(`^(.+):(\d{8})-([0-9A-F]{8})$`)

var ErrInvalidUTI = errors.New("processing: invalid UTI format")

// UTI is a parsed unique transaction identifier.
type UTI struct {
	Value  string    `json:"value"`
	LEI    string    `json:"lei"`
	Date   time.Time `json:"date"`
	Suffix string    `json:"suffix"`
}

// ParseUTI parses and validates a UTI string.
// Format: {LEI}:{YYYYMMDD}-{8 hex}
func ParseUTI(s string) (*UTI, error) {
	matches := utiRegex.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {LEI}:{YYYYMMDD}-{8 hex})", ErrInvalidUTI, s)
	}

	date, err := time.Parse("20060102", matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidUTI, matches[2])
	}

	return &UTI{
		Value:  s,
		LEI:    matches[1],
		Date:   date,
		Suffix: matches[3],
	}, nil
}

func formatUTI(lei string, at time.Time, suffix string) string {
	return lei + ":" + at.UTC().Format("20060102") + "-" + suffix
}
