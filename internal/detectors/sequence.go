package detectors

import (
	"fmt"
	"math"

	"github.com/miradorstack/loglens/internal/models"
)

// globalSessionKey groups records without a source identifier.
const globalSessionKey = "global"

// BuildTransitionModel counts consecutive endpoint pairs per source identifier
// and normalises them into per-source probabilities.
func BuildTransitionModel(records []models.LogRecord) models.TransitionModel {
	groups := make(map[string][]models.LogRecord)
	for _, r := range records {
		if r.EndpointValue() == "" {
			continue
		}
		key := r.IPValue()
		if key == "" {
			key = globalSessionKey
		}
		groups[key] = append(groups[key], r)
	}

	counts := make(map[string]map[string]int)
	for _, key := range sortedKeys(groups) {
		last := ""
		for _, r := range sortByTime(groups[key]) {
			ep := r.EndpointValue()
			if last != "" {
				dests, ok := counts[last]
				if !ok {
					dests = make(map[string]int)
					counts[last] = dests
				}
				dests[ep]++
			}
			last = ep
		}
	}
	return transitionProbabilities(counts)
}

func transitionProbabilities(counts map[string]map[string]int) models.TransitionModel {
	model := make(models.TransitionModel, len(counts))
	for src, dests := range counts {
		total := 0
		for _, c := range dests {
			total += c
		}
		if total == 0 {
			model[src] = map[string]float64{}
			continue
		}
		probs := make(map[string]float64, len(dests))
		for dst, c := range dests {
			probs[dst] = float64(c) / float64(total)
		}
		model[src] = probs
	}
	return model
}

// ScoreTransitions walks records as one global timestamp-ordered sequence and
// flags every transition whose modelled probability is below threshold.
func ScoreTransitions(model models.TransitionModel, records []models.LogRecord, threshold float64) ([]models.Finding, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: transition threshold %v outside [0,1]", ErrInvalidParameter, threshold)
	}

	var findings []models.Finding
	last := ""
	for _, r := range sortByTime(records) {
		ep := r.EndpointValue()
		if ep == "" {
			continue
		}
		if last != "" {
			p := model.Probability(last, ep)
			if p < threshold {
				sev := models.SeverityMedium
				if p == 0 {
					sev = models.SeverityHigh
				}
				findings = append(findings, models.Finding{
					Timestamp: r.Timestamp,
					Kind:      models.KindRareTransition,
					Severity:  sev,
					Score:     Round(1-p, 4),
					Message:   fmt.Sprintf("Rare transition detected: %s → %s", last, ep),
					LogID:     models.LogIDPtr(r.ID),
					Attributes: map[string]any{
						"from":        last,
						"to":          ep,
						"probability": Round(p, 6),
					},
				})
			}
		}
		last = ep
	}
	return findings, nil
}

// DetectSequences builds the transition model and scores against the very same
// record slice, so model and scoring windows cannot drift apart.
func DetectSequences(records []models.LogRecord, threshold float64) ([]models.Finding, error) {
	if math.IsNaN(threshold) {
		return nil, fmt.Errorf("%w: threshold is NaN", ErrInvalidParameter)
	}
	return ScoreTransitions(BuildTransitionModel(records), records, threshold)
}
