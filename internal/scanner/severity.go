package scanner

import "changegate/internal/domain"

var severityRank = map[string]int{
	domain.SeverityLow:      0,
	domain.SeverityMedium:   1,
	domain.SeverityHigh:     2,
	domain.SeverityCritical: 3,
}

// Rank orders severities; unknown values rank -1.
func Rank(severity string) int {
	r, ok := severityRank[severity]
	if !ok {
		return -1
	}
	return r
}

// Max returns the more severe of a and b.
func Max(a, b string) string {
	if Rank(b) > Rank(a) {
		return b
	}
	return a
}

// Blocking reports whether severity routes a submission to blocked.
func Blocking(severity string) bool {
	return Rank(severity) >= Rank(domain.SeverityHigh)
}

// Valid reports whether severity is one of the four classes.
func Valid(severity string) bool {
	return Rank(severity) >= 0
}
