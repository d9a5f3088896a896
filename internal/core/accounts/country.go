package accounts

import "strings"

// callingCodes maps E.164 leading calling codes to a country-code tag for
// the deletion metric required by spec.md §4.5 ("a deletion metric tagged
// with country code + reason"). This is a small static table, not a
// libphonenumber port — a full numbering-plan parser is out of proportion
// for a 700-1200 line core (see DESIGN.md).
var callingCodes = []struct {
	prefix  string
	country string
}{
	{"+1", "US"},
	{"+44", "GB"},
	{"+49", "DE"},
	{"+33", "FR"},
	{"+39", "IT"},
	{"+34", "ES"},
	{"+81", "JP"},
	{"+82", "KR"},
	{"+86", "CN"},
	{"+91", "IN"},
	{"+61", "AU"},
	{"+55", "BR"},
	{"+52", "MX"},
	{"+7", "RU"},
}

// countryCodeFor returns a best-effort country tag for an E.164 number,
// matched longest-prefix-first, or "UNKNOWN" if nothing matches.
func countryCodeFor(number string) string {
	best := ""
	bestLen := 0
	for _, cc := range callingCodes {
		if strings.HasPrefix(number, cc.prefix) && len(cc.prefix) > bestLen {
			best = cc.country
			bestLen = len(cc.prefix)
		}
	}
	if best == "" {
		return "UNKNOWN"
	}
	return best
}
