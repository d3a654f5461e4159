package normalize

import (
	"github.com/sells-group/recovery-directory/internal/model"
)

// listKeys are payload keys holding a flat list of facility-like objects, in
// lookup order.
var listKeys = []string{
	"facilities",
	"treatment_centers",
	"outpatient_facilities",
	"providers",
	"organizations",
	"centers",
	"recovery_community_centers",
	"houses",
	"residences",
	"rcos",
}

// groupKeys hold a list of groups, each carrying a "state" and one of listKeys.
var groupKeys = []string{"states", "recovery_centers"}

// categoryKeys hold a map of category name to list.
var categoryKeys = []string{"facilities_by_type", "by_category"}

// Item is one facility-like object found in a payload together with the
// context inherited from its enclosing group.
type Item struct {
	Fields   map[string]any
	State    string
	Category model.Category
}

// ExtractItems flattens an adapter payload into facility-like objects. The
// returned diagnostics are codes for defects found while flattening.
func ExtractItems(payload any) ([]Item, []string) {
	var diags []string
	switch p := payload.(type) {
	case map[string]any:
		for _, key := range listKeys {
			if list, ok := p[key].([]any); ok {
				return collect(list, "", "", &diags), diags
			}
		}
		for _, key := range groupKeys {
			if groups, ok := p[key].([]any); ok {
				return extractGroups(groups, &diags), diags
			}
		}
		for _, key := range categoryKeys {
			if byCat, ok := p[key].(map[string]any); ok {
				return extractCategories(byCat, &diags), diags
			}
		}
		return nil, []string{DiagNoRecords}
	case []any:
		return collect(p, "", "", &diags), diags
	case []map[string]any:
		items := make([]Item, 0, len(p))
		for _, m := range p {
			items = append(items, Item{Fields: m})
		}
		return items, nil
	default:
		return nil, []string{DiagNoRecords}
	}
}

func extractGroups(groups []any, diags *[]string) []Item {
	var items []Item
	for _, g := range groups {
		group, ok := g.(map[string]any)
		if !ok {
			*diags = append(*diags, DiagMalformedRecord)
			continue
		}
		state, _ := group["state"].(string)
		found := false
		for _, key := range listKeys {
			if list, ok := group[key].([]any); ok {
				items = append(items, collect(list, state, "", diags)...)
				found = true
				break
			}
		}
		if !found {
			*diags = append(*diags, DiagNoRecords)
		}
	}
	return items
}

func extractCategories(byCat map[string]any, diags *[]string) []Item {
	var items []Item
	for _, name := range sortedKeys(byCat) {
		list, ok := byCat[name].([]any)
		if !ok {
			*diags = append(*diags, DiagMalformedRecord)
			continue
		}
		cat, err := model.ParseCategory(name)
		if err != nil {
			*diags = append(*diags, DiagUnknownCategory)
			continue
		}
		items = append(items, collect(list, "", cat, diags)...)
	}
	return items
}

func collect(list []any, state string, cat model.Category, diags *[]string) []Item {
	items := make([]Item, 0, len(list))
	for _, v := range list {
		m, ok := v.(map[string]any)
		if !ok {
			*diags = append(*diags, DiagMalformedRecord)
			continue
		}
		items = append(items, Item{Fields: m, State: state, Category: cat})
	}
	return items
}
