package domain

import (
	"fmt"
	"strings"
)

// Variant captures the storage differences between the two widget flavours.
type Variant struct {
	Name           string
	KeyPrefix      string
	CollapsedTrue  string
	CollapsedFalse string
	// TermsRequired means the variant persists a terms-accepted flag and
	// refuses to chat until it is set.
	TermsRequired bool
}

var (
	Blizz = Variant{
		Name:           "blizz",
		KeyPrefix:      "blizz_",
		CollapsedTrue:  "1",
		CollapsedFalse: "0",
	}
	Ivy = Variant{
		Name:           "ivy",
		KeyPrefix:      "ivy_",
		CollapsedTrue:  "true",
		CollapsedFalse: "false",
		TermsRequired:  true,
	}
)

// EncodeCollapsed renders the collapsed flag in the variant's encoding.
func (v Variant) EncodeCollapsed(collapsed bool) string {
	if collapsed {
		return v.CollapsedTrue
	}
	return v.CollapsedFalse
}

// DecodeCollapsed reports whether raw holds the variant's "collapsed" value.
func (v Variant) DecodeCollapsed(raw string) bool {
	return raw == v.CollapsedTrue
}

// VariantByName resolves "blizz" or "ivy" (case-insensitive).
func VariantByName(name string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", Blizz.Name:
		return Blizz, nil
	case Ivy.Name:
		return Ivy, nil
	default:
		return Variant{}, fmt.Errorf("domain: unknown widget variant %q", name)
	}
}
