package models

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// LevelForScore maps a 0-100 score onto its level.
func LevelForScore(score int) RiskLevel {
	switch {
	case score >= 90:
		return RiskCritical
	case score >= 70:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Rank orders levels from LOW (1) to CRITICAL (4); unknown levels rank 0.
func (l RiskLevel) Rank() int {
	switch l {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	}
	return 0
}

type RiskFactor struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
}

type RiskAssessment struct {
	Score   int          `json:"score"`
	Level   RiskLevel    `json:"level"`
	Factors []RiskFactor `json:"factors"`
}

// Has reports whether the named factor contributed to the score.
func (a RiskAssessment) Has(name string) bool {
	for _, f := range a.Factors {
		if f.Name == name {
			return true
		}
	}
	return false
}

// FactorMap renders contributing factors for audit detail payloads.
func (a RiskAssessment) FactorMap() map[string]interface{} {
	out := make(map[string]interface{}, len(a.Factors))
	for _, f := range a.Factors {
		out[f.Name] = f.Weight
	}
	return out
}
