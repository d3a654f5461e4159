// Package certify derives an organization's certification status from its
// current certification values.
package certify

import (
	"sort"
	"strings"
	"time"

	"github.com/sells-group/recovery-directory/internal/model"
	"github.com/sells-group/recovery-directory/internal/normalize"
)

// Base confidences per terminal state.
const (
	StandardConfidence  = 0.95
	AlternateConfidence = 0.9
	SelfConfidence      = 0.5
)

// standardTokens are the accrediting body and its state affiliates.
var standardTokens = map[string]bool{
	"narr": true,
	"farr": true,
	"garr": true,
	"marr": true,
	"parr": true,
	"carr": true,
}

var standardPhrases = []string{"national alliance for recovery residences"}

// alternatePhrases is the charter vocabulary of the self-run house network.
var alternatePhrases = []string{"oxford house"}

// Certifiable reports whether organizations of the category are classified.
func Certifiable(c model.Category) bool {
	return c == model.CategoryRecoveryResidence
}

// Classify recomputes the organization's certification. Every pass starts
// over from unclassified and ends in exactly one terminal state: standard,
// alternate, self or unknown. Organizations outside certifiable categories
// stay unclassified and get no record.
func Classify(org model.Organization, at time.Time) (model.CertificationStatus, *model.CertificationRecord) {
	if !Certifiable(org.Category) {
		return model.CertUnclassified, nil
	}

	var values []string
	for _, v := range org.CurrentFields.Certifications {
		if strings.TrimSpace(v) != "" {
			values = append(values, v)
		}
	}

	var standard, alternate []string
	for _, v := range values {
		switch match(v) {
		case model.CertStandard:
			standard = append(standard, v)
		case model.CertAlternate:
			alternate = append(alternate, v)
		}
	}

	status := model.CertUnknown
	var evidence []string
	confidence := 0.0
	switch {
	case len(standard) > 0:
		status, evidence = model.CertStandard, standard
		confidence = scaled(StandardConfidence, len(standard), len(values))
	case len(alternate) > 0:
		status, evidence = model.CertAlternate, alternate
		confidence = scaled(AlternateConfidence, len(alternate), len(values))
	case len(values) > 0:
		status, evidence = model.CertSelf, values
		confidence = SelfConfidence
	}
	evidence = append([]string(nil), evidence...)
	sort.Strings(evidence)
	return status, &model.CertificationRecord{
		OrganizationID:    org.CanonicalID,
		CertificationType: status,
		Confidence:        confidence,
		Evidence:          evidence,
		ClassifiedAt:      at.UTC(),
	}
}

// match classifies one raw certification value.
func match(v string) model.CertificationStatus {
	folded := normalize.Fold(v)
	for _, tok := range strings.Fields(folded) {
		if standardTokens[tok] {
			return model.CertStandard
		}
	}
	for _, p := range standardPhrases {
		if strings.Contains(folded, p) {
			return model.CertStandard
		}
	}
	for _, p := range alternatePhrases {
		if strings.Contains(folded, p) {
			return model.CertAlternate
		}
	}
	return model.CertSelf
}

// scaled lowers base by the share of values that disagree with the chosen
// state.
func scaled(base float64, agree, total int) float64 {
	if total == 0 {
		return 0
	}
	return base * float64(agree) / float64(total)
}
