package recaptcha

// Decide applies the decision rule shared by both upstream variants.
//
// An invalid token fails with its reason and whatever score upstream sent.
// A valid token passes iff its score (0 when absent) reaches threshold.
func Decide(a *Assessment, threshold float64) (*Decision, Outcome) {
	if !a.Valid {
		reason := a.InvalidReason
		if reason == "" {
			reason = unknownReason
		}
		return &Decision{
			Success: false,
			Score:   a.Score,
			Message: "Token invalid: " + reason,
		}, OutcomeInvalidToken
	}

	score := 0.0
	if a.Score != nil {
		score = *a.Score
	}

	d := &Decision{
		Score:     ptr(score),
		Action:    a.Action,
		Timestamp: a.Timestamp,
		Hostname:  a.Hostname,
	}
	if score >= threshold {
		d.Success = true
		d.Message = MessageSuccess
		return d, OutcomePassed
	}
	d.Message = MessageLowScore
	return d, OutcomeLowScore
}
