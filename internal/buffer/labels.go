package buffer

import (
	"math"

	"riskgrid/internal/types"
)

// riskBins is the histogram resolution for synthetic risk scores, one bin per
// hundredth including 1.0.
const riskBins = 101

// binSlack absorbs the representation error of risks on the hundredths grid
// (0.29*100 == 28.999...) so they land in their own bin.
const binSlack = 1e-9

// LabelSummary reports the label policy a sealed buffer applies.
type LabelSummary struct {
	// SyntheticRows counts rows labelled by the risk threshold.
	SyntheticRows int
	// Threshold is the risk cutoff for synthetic rows.
	Threshold float64
	Positives int
	Negatives int
	// ForcedPositive and ForcedNegative are the row indexes flipped so both
	// classes exist, or -1.
	ForcedPositive int
	ForcedNegative int
}

// Synthetic reports whether any row was labelled by the risk threshold.
func (s LabelSummary) Synthetic() bool { return s.SyntheticRows > 0 }

// labelPolicy turns risk scores into binary labels for rows without an
// explicit label. A row is positive when its risk bin is at or above the
// percentile bin and its risk is above zero.
type labelPolicy struct {
	percentile float64

	hist      [riskBins]int
	synthetic int
	zeroRisk  int

	explicitPos int
	explicitNeg int

	maxIdx, minIdx   int
	maxRisk, minRisk float64

	thresholdBin   int
	forcedPositive int
	forcedNegative int
	positives      int
	negatives      int
}

func newLabelPolicy(percentile float64) *labelPolicy {
	return &labelPolicy{
		percentile:     percentile,
		maxIdx:         -1,
		minIdx:         -1,
		forcedPositive: -1,
		forcedNegative: -1,
	}
}

func riskBin(risk float64) int {
	b := int(math.Floor(risk*float64(riskBins-1) + binSlack))
	return max(0, min(riskBins-1, b))
}

func (p *labelPolicy) observe(idx int, row types.EncodedRow) {
	if row.RawLabel != nil {
		if *row.RawLabel > 0 {
			p.explicitPos++
		} else {
			p.explicitNeg++
		}
		return
	}
	p.synthetic++
	p.hist[riskBin(row.Risk)]++
	if row.Risk <= 0 {
		p.zeroRisk++
	}
	if p.maxIdx < 0 || row.Risk > p.maxRisk {
		p.maxIdx, p.maxRisk = idx, row.Risk
	}
	if p.minIdx < 0 || row.Risk < p.minRisk {
		p.minIdx, p.minRisk = idx, row.Risk
	}
}

// finalize picks the percentile bin and, for synthetic datasets, forces one
// row into any class left empty.
func (p *labelPolicy) finalize() {
	p.positives, p.negatives = p.explicitPos, p.explicitNeg
	if p.synthetic == 0 {
		return
	}

	target := int(math.Ceil(p.percentile / 100 * float64(p.synthetic)))
	target = max(1, min(p.synthetic, target))
	cum := 0
	for b, n := range p.hist {
		cum += n
		if cum >= target {
			p.thresholdBin = b
			break
		}
	}

	synthPos := 0
	for b := p.thresholdBin; b < riskBins; b++ {
		synthPos += p.hist[b]
	}
	if p.thresholdBin == 0 {
		synthPos -= p.zeroRisk
	}
	synthNeg := p.synthetic - synthPos

	if p.positives+synthPos == 0 {
		p.forcedPositive = p.maxIdx
		synthPos++
		synthNeg--
	}
	if p.negatives+synthNeg == 0 && p.minIdx != p.forcedPositive {
		p.forcedNegative = p.minIdx
		synthPos--
		synthNeg++
	}
	p.positives += synthPos
	p.negatives += synthNeg
}

func (p *labelPolicy) label(idx int, row types.EncodedRow) int {
	if row.RawLabel != nil {
		if *row.RawLabel > 0 {
			return 1
		}
		return 0
	}
	switch idx {
	case p.forcedPositive:
		return 1
	case p.forcedNegative:
		return 0
	}
	if row.Risk > 0 && riskBin(row.Risk) >= p.thresholdBin {
		return 1
	}
	return 0
}

func (p *labelPolicy) summary() LabelSummary {
	return LabelSummary{
		SyntheticRows:  p.synthetic,
		Threshold:      float64(p.thresholdBin) / float64(riskBins-1),
		Positives:      p.positives,
		Negatives:      p.negatives,
		ForcedPositive: p.forcedPositive,
		ForcedNegative: p.forcedNegative,
	}
}
