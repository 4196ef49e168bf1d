// Package phone normalizes Brazilian phone numbers and generates the
// alternate digit-count representations the messaging channel may report
// them under.
package phone

import "strings"

// CountryCode is the Brazilian country prefix applied during
// canonicalization.
const CountryCode = "55"

// Canonicalize reduces raw to its digits and prefixes the country code when
// absent. Idempotent: Canonicalize(Canonicalize(x)) == Canonicalize(x).
func Canonicalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, CountryCode) {
		return digits
	}
	return CountryCode + digits
}

// Variants returns the plausible alternate representations of a canonical
// number, starting with the canonical form itself. The channel does not
// format Brazilian mobile numbers consistently: the 9 mobile-prefix digit
// after the area code appears and disappears between webhook deliveries, and
// the country code is sometimes stripped.
//
// len 13 = country(2) + area(2) + mobile 9-digit; len 12 = the form without
// the leading 9 of the subscriber number.
func Variants(canonical string) []string {
	variants := []string{canonical}
	if len(canonical) > len(CountryCode) {
		variants = append(variants, canonical[len(CountryCode):])
	}

	switch len(canonical) {
	case 13:
		// Drop the mobile "9" after the area code.
		short := canonical[:4] + canonical[5:]
		variants = append(variants, short, short[len(CountryCode):])
	case 12:
		// Insert the mobile "9" after the area code.
		long := canonical[:4] + "9" + canonical[4:]
		variants = append(variants, long, long[len(CountryCode):])
	}

	return dedupe(variants)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
