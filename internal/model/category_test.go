package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		category Category
		want     string
	}{
		{CategoryTreatmentCenter, "TC"},
		{CategoryRecoveryResidence, "RR"},
		{CategoryRecoveryCommunityCenter, "RCC"},
		{CategoryRecoveryCommunityOrg, "RCO"},
		{Category("bogus"), ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.category.Prefix())
		})
	}
}

func TestParseCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Category
	}{
		{"treatment-center", CategoryTreatmentCenter},
		{" Recovery_Residences ", CategoryRecoveryResidence},
		{"RCC", CategoryRecoveryCommunityCenter},
		{"recovery-community-organizations", CategoryRecoveryCommunityOrg},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseCategory(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseCategory("hospital")
	assert.Error(t, err)
}

func TestCategoryForID(t *testing.T) {
	t.Parallel()

	c, ok := CategoryForID("RCO_000007")
	require.True(t, ok)
	assert.Equal(t, CategoryRecoveryCommunityOrg, c)

	_, ok = CategoryForID("XX_000001")
	assert.False(t, ok)

	_, ok = CategoryForID("nounderscore")
	assert.False(t, ok)

	assert.Len(t, Categories(), 4)
	for _, c := range Categories() {
		assert.True(t, c.Valid())
	}
}
