// Package phone provides phone number utilities.
// This is part of the platform layer and contains no business logic.
package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is used when no region is configured.
const DefaultRegion = "BR"

// Quality classifies a raw phone value.
type Quality int

const (
	// QualityMissing means the value is blank.
	QualityMissing Quality = iota
	// QualityMalformed means the value is present but cannot be parsed as a valid number.
	QualityMalformed
	// QualityValid means the value parses to a valid number for its region.
	QualityValid
)

// Classify reports whether input is missing, malformed or a valid number.
func Classify(input, region string) Quality {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return QualityMissing
	}
	if _, ok := parse(trimmed, region); !ok {
		return QualityMalformed
	}
	return QualityValid
}

func parse(input, region string) (*phonenumbers.PhoneNumber, bool) {
	if region == "" {
		region = DefaultRegion
	}

	number, err := phonenumbers.Parse(input, strings.ToUpper(region))
	if err != nil {
		return nil, false
	}

	if !phonenumbers.IsValidNumber(number) {
		return nil, false
	}

	return number, true
}
