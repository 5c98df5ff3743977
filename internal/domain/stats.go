package domain

import "fmt"

// StageCounts holds the counts of one PRISMA flow-diagram stage.
type StageCounts struct {
	Total    int `json:"total"`
	Included int `json:"included"`
	Excluded int `json:"excluded"`
	Pending  int `json:"pending"`
}

// InclusionCounts holds the counts of the final inclusion stage.
type InclusionCounts struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
}

// PrismaStats is the data behind a PRISMA flow diagram.
type PrismaStats struct {
	TotalRecords int             `json:"total_records"`
	Identified   int             `json:"identified"`
	Screened     StageCounts     `json:"screened"`
	Eligibility  StageCounts     `json:"eligibility"`
	Included     InclusionCounts `json:"included"`
}

// NewPrismaStats derives flow-diagram statistics from per-status study counts.
// Pending values are not clamped; a negative value signals inconsistent data.
func NewPrismaStats(counts map[StudyStatus]int) PrismaStats {
	identified := counts[StudyStatusIdentified]
	screenedIncluded := counts[StudyStatusScreenedIncluded]
	screenedExcluded := counts[StudyStatusScreenedExcluded]
	eligible := counts[StudyStatusEligible]
	notEligible := counts[StudyStatusNotEligible]
	included := counts[StudyStatusIncluded]

	total := 0
	for _, n := range counts {
		total += n
	}

	return PrismaStats{
		TotalRecords: total,
		Identified:   identified,
		Screened: StageCounts{
			Total:    screenedIncluded + screenedExcluded + identified,
			Included: screenedIncluded,
			Excluded: screenedExcluded,
			Pending:  identified,
		},
		Eligibility: StageCounts{
			Total:    eligible + notEligible + screenedIncluded,
			Included: eligible,
			Excluded: notEligible,
			Pending:  screenedIncluded - (eligible + notEligible),
		},
		Included: InclusionCounts{
			Total:   included,
			Pending: eligible - included,
		},
	}
}

// Anomalies describes every negative pending count.
func (s PrismaStats) Anomalies() []string {
	var out []string
	if s.Screened.Pending < 0 {
		out = append(out, fmt.Sprintf("screened.pending is negative (%d)", s.Screened.Pending))
	}
	if s.Eligibility.Pending < 0 {
		out = append(out, fmt.Sprintf("eligibility.pending is negative (%d)", s.Eligibility.Pending))
	}
	if s.Included.Pending < 0 {
		out = append(out, fmt.Sprintf("included.pending is negative (%d)", s.Included.Pending))
	}
	return out
}
