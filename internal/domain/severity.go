package domain

import "strings"

// HealthStatus is the categorical site health state assigned by the external
// assessment service.
type HealthStatus string

const (
	HealthExcellent HealthStatus = "EXCELLENT"
	HealthGood      HealthStatus = "GOOD"
	HealthFair      HealthStatus = "FAIR"
	HealthPoor      HealthStatus = "POOR"
	HealthCritical  HealthStatus = "CRITICAL"
	HealthUnknown   HealthStatus = "UNKNOWN"
)

// ParseHealthStatus normalizes a raw status string, mapping anything
// unrecognized to UNKNOWN.
func ParseHealthStatus(s string) HealthStatus {
	switch HealthStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case HealthExcellent, HealthGood, HealthFair, HealthPoor, HealthCritical:
		return HealthStatus(strings.ToUpper(strings.TrimSpace(s)))
	default:
		return HealthUnknown
	}
}

// Severity is the alert level computed from a site's health signal.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Dispatchable reports whether this severity produces an alert event for the
// notification collaborator. MEDIUM and LOW are recorded but not dispatched.
func (s Severity) Dispatchable() bool {
	return s == SeverityCritical || s == SeverityHigh
}

// SeverityFor combines a categorical health status and an integer bleaching
// risk level into an alert severity, worst-of-both-wins:
//
//	status CRITICAL, or risk >= 4  -> CRITICAL
//	status POOR,     or risk >= 3  -> HIGH
//	status FAIR,     or risk >= 2  -> MEDIUM
//	otherwise                      -> LOW
//
// The function is total: any status (including UNKNOWN) and any risk value
// map to a severity, and raising risk never lowers the result.
func SeverityFor(status HealthStatus, risk int) Severity {
	switch {
	case status == HealthCritical || risk >= 4:
		return SeverityCritical
	case status == HealthPoor || risk >= 3:
		return SeverityHigh
	case status == HealthFair || risk >= 2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
