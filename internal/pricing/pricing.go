// Package pricing holds the credit price table for generation calls.
package pricing

import "github.com/lpding888/ai-fashion-studio-sub000/internal/domain"

// Credits per rendered image by resolution tier.
var perImage = map[domain.ResolutionTier]int{
	domain.TierStandard: 5,
	domain.TierHD:       8,
	domain.TierUHD:      12,
}

const defaultPerImage = 5

// gridMultiplier scales the per-image price into the flat contact-sheet fee.
// A grid is one generation call regardless of how many shots it embeds.
const gridMultiplier = 2

// PerImage returns the credit price of a single rendered image.
func PerImage(tier domain.ResolutionTier) int {
	if p, ok := perImage[tier]; ok {
		return p
	}
	return defaultPerImage
}

// EstimateIndividual is the maximum possible cost of an individual-mode
// render: every shot succeeds.
func EstimateIndividual(tier domain.ResolutionTier, shots int) int {
	if shots < 0 {
		shots = 0
	}
	return PerImage(tier) * shots
}

// ActualIndividual is the settled cost after an individual-mode render.
func ActualIndividual(tier domain.ResolutionTier, succeeded int) int {
	if succeeded < 0 {
		succeeded = 0
	}
	return PerImage(tier) * succeeded
}

// GridFee is the flat price of a composite contact-sheet render.
func GridFee(tier domain.ResolutionTier) int {
	return PerImage(tier) * gridMultiplier
}
