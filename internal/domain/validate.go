package domain

import (
	"fmt"
	"time"
)

// ClockSkewTolerance is how far in the future a reading timestamp may sit
// before it is rejected. Field loggers and buoys drift; anything beyond this
// is a data defect.
const ClockSkewTolerance = 5 * time.Minute

// timestampLayouts are tried in order when parsing a reading timestamp.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// rule is one declarative validation check. It returns an empty string on
// pass, or the INVALID reason on failure. Rules are independent; their slice
// order fixes which reason wins when several would fail.
type rule struct {
	name  string
	check func(r DecodedReading, now time.Time) string
}

var categoryRules = map[Category][]rule{
	CategorySensor: {
		requiredField("sensor_type"),
		requiredField("timestamp"),
		timestampRule(),
		rangeRule("latitude", -90, 90),
		rangeRule("longitude", -180, 180),
		rangeRule("ph_level", 0, 14),
		rangeRule("temperature_celsius", -5, 40),
		rangeRule("salinity_ppt", 0, 50),
		rangeRule("dissolved_oxygen_mg_l", 0, 20),
		nonNegativeRule("depth_meters"),
		nonNegativeRule("turbidity_ntu"),
	},
	CategoryImage: {
		requiredField("file_name"),
		positiveRule("file_size_bytes"),
		timestampRule(),
		rangeRule("latitude", -90, 90),
		rangeRule("longitude", -180, 180),
	},
	CategorySonar: {
		timestampRule(),
		rangeRule("latitude", -90, 90),
		rangeRule("longitude", -180, 180),
		positiveRule("sonar_frequency_hz"),
		nonNegativeRule("depth_meters"),
		nonNegativeRule("range_meters"),
	},
}

// Validate applies the category's rules to a decoded reading. It is a pure
// function: the first failing rule determines the INVALID reason and nothing
// else is touched. Valid results carry the parsed reading timestamp; readings
// without one (opaque binary captures) use the arrival time.
func Validate(r DecodedReading) ValidationResult {
	rules, ok := categoryRules[r.Category]
	if !ok {
		return ValidationResult{Reading: r, Reason: fmt.Sprintf("unknown category %q", r.Category)}
	}

	now := clock.Now()
	for _, rule := range rules {
		if reason := rule.check(r, now); reason != "" {
			return ValidationResult{Reading: r, Reason: reason}
		}
	}

	ts := r.Provenance.ReceivedAt
	if raw, ok := r.String("timestamp"); ok && raw != "" {
		ts, _ = parseTimestamp(raw)
	}
	return ValidationResult{Reading: r, Timestamp: ts, Valid: true}
}

func requiredField(name string) rule {
	return rule{name: "required:" + name, check: func(r DecodedReading, _ time.Time) string {
		v, present := r.Fields[name]
		if !present {
			return fmt.Sprintf("missing required field %q", name)
		}
		if s, isStr := v.(string); isStr && s == "" {
			return fmt.Sprintf("missing required field %q", name)
		}
		return ""
	}}
}

// timestampRule checks well-formedness and future skew. Absence passes;
// required-field rules decide whether a timestamp must be present at all.
func timestampRule() rule {
	return rule{name: "timestamp", check: func(r DecodedReading, now time.Time) string {
		raw, ok := r.String("timestamp")
		if !ok || raw == "" {
			return ""
		}
		ts, err := parseTimestamp(raw)
		if err != nil {
			return fmt.Sprintf("unparseable timestamp %q", raw)
		}
		if ts.After(now.Add(ClockSkewTolerance)) {
			return fmt.Sprintf("timestamp %s is in the future", ts.Format(time.RFC3339))
		}
		return ""
	}}
}

// rangeRule bounds a numeric field when present. Absent fields pass: range
// checks constrain values, not presence.
func rangeRule(name string, min, max float64) rule {
	return rule{name: "range:" + name, check: func(r DecodedReading, _ time.Time) string {
		v, ok := r.Float(name)
		if !ok {
			return ""
		}
		if v < min || v > max {
			return fmt.Sprintf("%s %g outside [%g, %g]", name, v, min, max)
		}
		return ""
	}}
}

func nonNegativeRule(name string) rule {
	return rule{name: "nonneg:" + name, check: func(r DecodedReading, _ time.Time) string {
		if v, ok := r.Float(name); ok && v < 0 {
			return fmt.Sprintf("%s %g is negative", name, v)
		}
		return ""
	}}
}

func positiveRule(name string) rule {
	return rule{name: "positive:" + name, check: func(r DecodedReading, _ time.Time) string {
		if v, ok := r.Float(name); ok && v <= 0 {
			return fmt.Sprintf("%s %g is not positive", name, v)
		}
		return ""
	}}
}

func parseTimestamp(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, raw)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
