package normalize

import (
	"sort"
	"strconv"
	"strings"
)

// Field resolution rules: the first alias holding a non-blank value wins.
// Dotted aliases address nested objects.
var (
	nameAliases     = []string{"name", "facility_name", "organization_name", "org_name", "house_name"}
	streetAliases   = []string{"street", "address_street", "street_address", "address", "address.street", "address.street1", "location.street"}
	cityAliases     = []string{"city", "address_city", "address.city", "location.city"}
	stateAliases    = []string{"state", "state_code", "address_state", "address.state", "location.state"}
	zipAliases      = []string{"zip", "zipcode", "zip_code", "postal_code", "address_zip", "address.zip", "address.postal_code", "location.zip"}
	phoneAliases    = []string{"phone", "telephone", "phone_number", "contact.phone"}
	websiteAliases  = []string{"website", "url", "web", "contact.website"}
	capacityAliases = []string{"capacity", "beds", "bed_count", "capacity.total"}
	idAliases       = []string{"id", "record_id", "facility_id", "frid", "license_number", "charter_number"}

	certificationAliases = []string{"certification", "certifications", "certified_by", "accreditation", "accreditations", "charter", "affiliate"}
	servicesAliases      = []string{"services", "services_offered", "service_types", "level_of_care"}
	populationsAliases   = []string{"populations", "populations_served", "population_served"}
	insuranceAliases     = []string{"insurance", "insurance_accepted", "payment", "payment_options"}
)

// knownKeys are top-level keys consumed by a resolution rule; they are never
// treated as indicator columns.
var knownKeys = func() map[string]bool {
	m := map[string]bool{"name1": true, "name2": true, "street1": true, "street2": true}
	for _, list := range [][]string{
		nameAliases, streetAliases, cityAliases, stateAliases, zipAliases,
		phoneAliases, websiteAliases, capacityAliases, idAliases,
		certificationAliases, servicesAliases, populationsAliases, insuranceAliases,
	} {
		for _, a := range list {
			head, _, _ := strings.Cut(a, ".")
			m[head] = true
		}
	}
	return m
}()

// lookup resolves a possibly dotted path in raw.
func lookup(raw map[string]any, path string) (any, bool) {
	cur := raw
	parts := strings.Split(path, ".")
	for i, p := range parts {
		v, ok := cur[p]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		next, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// firstString applies a resolution rule to string-like values.
func firstString(raw map[string]any, aliases ...string) string {
	for _, a := range aliases {
		v, ok := lookup(raw, a)
		if !ok {
			continue
		}
		if s := scalarString(v); s != "" {
			return s
		}
	}
	return ""
}

// scalarString renders strings and numbers; other types are blank.
func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return ""
	}
}

// joined concatenates a primary and secondary column when the primary is set.
func joined(raw map[string]any, primary, secondary, sep string) string {
	p := scalarString(raw[primary])
	if p == "" {
		return ""
	}
	if s := scalarString(raw[secondary]); s != "" {
		return p + sep + s
	}
	return p
}

// stringList returns the values of the first alias holding a string or a list
// of strings; comma-separated strings are split.
func stringList(raw map[string]any, aliases ...string) []string {
	for _, a := range aliases {
		v, ok := lookup(raw, a)
		if !ok {
			continue
		}
		var out []string
		switch x := v.(type) {
		case string:
			for _, part := range strings.Split(x, ",") {
				if p := strings.TrimSpace(part); p != "" {
					out = append(out, p)
				}
			}
		case []any:
			for _, e := range x {
				if s := scalarString(e); s != "" {
					out = append(out, s)
				}
			}
		case []string:
			for _, e := range x {
				if s := strings.TrimSpace(e); s != "" {
					out = append(out, s)
				}
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// parseCapacity reads a non-negative integer capacity. ok is false when a
// value is present but unusable.
func parseCapacity(raw map[string]any) (*int, bool) {
	for _, a := range capacityAliases {
		v, found := lookup(raw, a)
		if !found || v == nil {
			continue
		}
		var n int
		switch x := v.(type) {
		case float64:
			if x != float64(int(x)) || x < 0 {
				return nil, false
			}
			n = int(x)
		case int:
			n = x
		case string:
			s := strings.TrimSpace(x)
			if s == "" {
				continue
			}
			parsed, err := strconv.Atoi(s)
			if err != nil || parsed < 0 {
				return nil, false
			}
			n = parsed
		case map[string]any:
			continue
		default:
			return nil, false
		}
		if n < 0 {
			return nil, false
		}
		return &n, true
	}
	return nil, true
}

// flag interprets an indicator value. isFlag is false when v does not look
// like an indicator at all.
func flag(v any) (on bool, isFlag bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case float64:
		if x == 0 || x == 1 {
			return x == 1, true
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "yes", "y", "true":
			return true, true
		case "0", "no", "n", "false":
			return false, true
		}
	}
	return false, false
}

// recordKey returns the stable key of a record within its source.
func recordKey(raw map[string]any, identity string) string {
	if id := firstString(raw, idAliases...); id != "" {
		return id
	}
	return "h:" + identity
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
