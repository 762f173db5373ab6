// Package instrument handles options-venue instrument name parsing and the
// selection of the protective put used to hedge a loan's collateral.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// Option kinds.
const (
	KindCall = "C"
	KindPut  = "P"
)

// OptionType values as the venue reports them.
const (
	OptionTypeCall = "call"
	OptionTypePut  = "put"
)

// nameRegex matches: {asset}-{DDMONYY}-{strike}-{C|P}
// Example: BTC-27DEC24-100000-P
var nameRegex = regexp.MustCompile(
	`^([A-Z]+)-(\d{1,2}[A-Z]{3}\d{2})-(\d+(?:d\d+)?)-([CP])$`,
)

// Options expire at 08:00 UTC on the expiry date.
const expiryHour = 8

var (
	ErrInvalidName  = errors.New("instrument: invalid name format")
	ErrNoInstrument = errors.New("instrument: no eligible instrument")
)

// Instrument is the subset of a venue listing the hedge selection needs.
type Instrument struct {
	Name       string          `json:"instrument_name"`
	OptionType string          `json:"option_type"`
	Strike     decimal.Decimal `json:"strike"`
	Expiration int64           `json:"expiration_timestamp"` // unix millis
	IsActive   bool            `json:"is_active"`
}

// Parsed is a decoded instrument name.
type Parsed struct {
	Name   string          `json:"name"`
	Asset  string          `json:"asset"`
	Expiry time.Time       `json:"expiry"`
	Strike decimal.Decimal `json:"strike"`
	Kind   string          `json:"kind"`
}

// ParseName parses and validates an instrument name.
// Format: {asset}-{DDMONYY}-{strike}-{C|P}. Fractional strikes use "d" as the
// decimal separator (BTC-3JAN25-0d5-C).
func ParseName(name string) (*Parsed, error) {
	matches := nameRegex.FindStringSubmatch(name)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {asset}-{DDMONYY}-{strike}-{C|P})",
			ErrInvalidName, name)
	}

	date, err := time.Parse("2Jan06", matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidName, matches[2])
	}

	strike, err := decimal.NewFromString(replaceSeparator(matches[3]))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid strike %s", ErrInvalidName, matches[3])
	}

	return &Parsed{
		Name:   name,
		Asset:  matches[1],
		Expiry: date.Add(expiryHour * time.Hour),
		Strike: strike,
		Kind:   matches[4],
	}, nil
}

func replaceSeparator(s string) string {
	out := []byte(s)
	for i := range out {
		if out[i] == 'd' {
			out[i] = '.'
		}
	}
	return string(out)
}

// SelectHedge picks the put closest to, and strictly below, strikePrice among
// instruments that have not expired at now. Names that do not parse are
// skipped. On equal strikes the earliest expiry wins.
func SelectHedge(instruments []Instrument, strikePrice decimal.Decimal, now time.Time) (*Parsed, error) {
	var best *Parsed
	for _, inst := range instruments {
		p, err := ParseName(inst.Name)
		if err != nil || p.Kind != KindPut {
			continue
		}
		if !p.Strike.LessThan(strikePrice) || !p.Expiry.After(now) {
			continue
		}
		switch {
		case best == nil:
			best = p
		case p.Strike.GreaterThan(best.Strike):
			best = p
		case p.Strike.Equal(best.Strike) && p.Expiry.Before(best.Expiry):
			best = p
		}
	}
	if best == nil {
		return nil, ErrNoInstrument
	}
	return best, nil
}
