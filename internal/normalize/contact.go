package normalize

import (
	"strings"
)

// stateNames maps lowercase full names to USPS codes.
var stateNames = map[string]string{
	"alabama": "AL", "alaska": "AK", "arizona": "AZ", "arkansas": "AR",
	"california": "CA", "colorado": "CO", "connecticut": "CT", "delaware": "DE",
	"florida": "FL", "georgia": "GA", "hawaii": "HI", "idaho": "ID",
	"illinois": "IL", "indiana": "IN", "iowa": "IA", "kansas": "KS",
	"kentucky": "KY", "louisiana": "LA", "maine": "ME", "maryland": "MD",
	"massachusetts": "MA", "michigan": "MI", "minnesota": "MN", "mississippi": "MS",
	"missouri": "MO", "montana": "MT", "nebraska": "NE", "nevada": "NV",
	"new hampshire": "NH", "new jersey": "NJ", "new mexico": "NM", "new york": "NY",
	"north carolina": "NC", "north dakota": "ND", "ohio": "OH", "oklahoma": "OK",
	"oregon": "OR", "pennsylvania": "PA", "rhode island": "RI", "south carolina": "SC",
	"south dakota": "SD", "tennessee": "TN", "texas": "TX", "utah": "UT",
	"vermont": "VT", "virginia": "VA", "washington": "WA", "west virginia": "WV",
	"wisconsin": "WI", "wyoming": "WY", "district of columbia": "DC",
	"puerto rico": "PR", "guam": "GU", "virgin islands": "VI",
}

// stateCodes is the set of accepted two-letter codes.
var stateCodes = func() map[string]bool {
	m := make(map[string]bool, len(stateNames))
	for _, code := range stateNames {
		m[code] = true
	}
	return m
}()

// NormalizeState returns the two-letter code for a code or full state name.
// ok is false when a non-blank value is not a recognized state; the result is
// then blank.
func NormalizeState(s string) (code string, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", true
	}
	upper := strings.ToUpper(strings.TrimSuffix(s, "."))
	if stateCodes[upper] {
		return upper, true
	}
	if code, found := stateNames[strings.ToLower(multiSpaceRe.ReplaceAllString(s, " "))]; found {
		return code, true
	}
	return "", false
}

// NormalizePhone renders a number as "(NNN) NNN-NNNN" when exactly ten digits
// remain after stripping everything else. Other values are returned trimmed.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	d := digits(s)
	if len(d) != 10 {
		return s
	}
	return "(" + d[:3] + ") " + d[3:6] + "-" + d[6:]
}

// NormalizeZip keeps the first five digits of a ZIP or ZIP+4.
func NormalizeZip(s string) string {
	s = strings.TrimSpace(s)
	d := digits(s)
	if len(d) >= 5 {
		return d[:5]
	}
	return s
}

// NormalizeWebsite lowercases the scheme and host and drops a trailing slash.
func NormalizeWebsite(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	prefix := ""
	rest := s
	if scheme, after, ok := strings.Cut(s, "://"); ok {
		prefix = strings.ToLower(scheme) + "://"
		rest = after
	}
	host, path, hasPath := strings.Cut(rest, "/")
	out := prefix + strings.ToLower(host)
	if hasPath {
		out += "/" + path
	}
	return strings.TrimRight(out, "/")
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
