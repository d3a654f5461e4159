// Package model defines the shared types of the recovery directory: source
// records, canonical organizations and their lineage.
package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Category is the fixed set of organization kinds kept in the directory.
type Category string

const (
	CategoryTreatmentCenter         Category = "treatment-center"
	CategoryRecoveryResidence       Category = "recovery-residence"
	CategoryRecoveryCommunityCenter Category = "recovery-community-center"
	CategoryRecoveryCommunityOrg    Category = "recovery-community-organization"
)

// categoryPrefixes maps each category to its canonical ID prefix.
var categoryPrefixes = map[Category]string{
	CategoryTreatmentCenter:         "TC",
	CategoryRecoveryResidence:       "RR",
	CategoryRecoveryCommunityCenter: "RCC",
	CategoryRecoveryCommunityOrg:    "RCO",
}

// categoryAliases accepts the spellings adapters and older exports use.
var categoryAliases = map[string]Category{
	"treatment_center":                 CategoryTreatmentCenter,
	"treatment_centers":                CategoryTreatmentCenter,
	"tc":                               CategoryTreatmentCenter,
	"recovery_residence":               CategoryRecoveryResidence,
	"recovery_residences":              CategoryRecoveryResidence,
	"narr_residences":                  CategoryRecoveryResidence,
	"oxford_houses":                    CategoryRecoveryResidence,
	"rr":                               CategoryRecoveryResidence,
	"recovery_community_center":        CategoryRecoveryCommunityCenter,
	"recovery_community_centers":       CategoryRecoveryCommunityCenter,
	"rcc":                              CategoryRecoveryCommunityCenter,
	"rccs":                             CategoryRecoveryCommunityCenter,
	"recovery_community_organization":  CategoryRecoveryCommunityOrg,
	"recovery_community_organizations": CategoryRecoveryCommunityOrg,
	"rco":                              CategoryRecoveryCommunityOrg,
	"rcos":                             CategoryRecoveryCommunityOrg,
}

// Categories returns every category in a stable order.
func Categories() []Category {
	return []Category{
		CategoryTreatmentCenter,
		CategoryRecoveryResidence,
		CategoryRecoveryCommunityCenter,
		CategoryRecoveryCommunityOrg,
	}
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	_, ok := categoryPrefixes[c]
	return ok
}

// Prefix returns the canonical ID prefix for c, or "" for unknown categories.
func (c Category) Prefix() string {
	return categoryPrefixes[c]
}

// ParseCategory resolves a category name or alias.
func ParseCategory(s string) (Category, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if c := Category(key); c.Valid() {
		return c, nil
	}
	if c, ok := categoryAliases[strings.ReplaceAll(key, "-", "_")]; ok {
		return c, nil
	}
	return "", eris.Errorf("model: unknown category %q", s)
}

// CategoryForID returns the category encoded in a canonical ID's prefix.
func CategoryForID(id string) (Category, bool) {
	prefix, _, ok := strings.Cut(id, "_")
	if !ok {
		return "", false
	}
	for c, p := range categoryPrefixes {
		if p == prefix {
			return c, true
		}
	}
	return "", false
}
