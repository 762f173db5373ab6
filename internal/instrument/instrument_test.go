package instrument

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestParseName_Valid(t *testing.T) {
	p, err := ParseName("BTC-27DEC24-100000-P")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Asset != "BTC" {
		t.Errorf("expected asset=BTC, got %s", p.Asset)
	}
	if p.Kind != KindPut {
		t.Errorf("expected kind=P, got %s", p.Kind)
	}
	if !p.Strike.Equal(d("100000")) {
		t.Errorf("expected strike=100000, got %s", p.Strike)
	}
	expected := time.Date(2024, 12, 27, 8, 0, 0, 0, time.UTC)
	if !p.Expiry.Equal(expected) {
		t.Errorf("expected expiry=%v, got %v", expected, p.Expiry)
	}
}

func TestParseName_SingleDigitDayAndFractionalStrike(t *testing.T) {
	p, err := ParseName("ETH-3JAN25-0d5-C")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Expiry.Day() != 3 || p.Expiry.Month() != time.January || p.Expiry.Year() != 2025 {
		t.Errorf("unexpected expiry %v", p.Expiry)
	}
	if !p.Strike.Equal(d("0.5")) {
		t.Errorf("expected strike=0.5, got %s", p.Strike)
	}
	if p.Kind != KindCall {
		t.Errorf("expected kind=C, got %s", p.Kind)
	}
}

func TestParseName_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"INVALID",
		"BTC-27DEC24",
		"BTC-27DEC24-100000",
		"BTC-27DEC24-100000-X",  // bad kind
		"BTC-27XYZ24-100000-P",  // bad month
		"BTC-271DEC24-100000-P", // bad day
		"btc-27DEC24-100000-P",  // lowercase asset
		"BTC-PERPETUAL",
	}
	for _, name := range tests {
		_, err := ParseName(name)
		if !errors.Is(err, ErrInvalidName) {
			t.Errorf("expected ErrInvalidName for %q, got %v", name, err)
		}
	}
}

func TestSelectHedge_NearestBelowStrike(t *testing.T) {
	now := time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)
	insts := []Instrument{
		{Name: "BTC-27DEC24-60000-P"},
		{Name: "BTC-27DEC24-65000-P"},
		{Name: "BTC-27DEC24-70000-P"}, // equal to strike, not below
		{Name: "BTC-27DEC24-68000-C"}, // call
		{Name: "BTC-1OCT24-69000-P"},  // expired
		{Name: "garbage"},
	}
	got, err := SelectHedge(insts, d("70000"), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "BTC-27DEC24-65000-P" {
		t.Errorf("expected 65000 put, got %s", got.Name)
	}
}

func TestSelectHedge_TieBreaksOnEarliestExpiry(t *testing.T) {
	now := time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)
	insts := []Instrument{
		{Name: "BTC-28MAR25-65000-P"},
		{Name: "BTC-27DEC24-65000-P"},
	}
	got, err := SelectHedge(insts, d("70000"), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "BTC-27DEC24-65000-P" {
		t.Errorf("expected earliest expiry, got %s", got.Name)
	}
}

func TestSelectHedge_Empty(t *testing.T) {
	now := time.Now()
	if _, err := SelectHedge(nil, d("70000"), now); !errors.Is(err, ErrNoInstrument) {
		t.Errorf("expected ErrNoInstrument, got %v", err)
	}
	above := []Instrument{{Name: "BTC-27DEC30-90000-P"}}
	if _, err := SelectHedge(above, d("70000"), now); !errors.Is(err, ErrNoInstrument) {
		t.Errorf("expected ErrNoInstrument when all strikes are above, got %v", err)
	}
}
