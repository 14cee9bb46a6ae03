// Package feature turns raw security events into fixed-width numeric
// vectors. The schema is stable across event types so classifier weights,
// baselines and stored model parameters all share one coordinate space.
package feature

import (
	"math"
	"strings"
	"time"

	"github.com/sentrasec/detection-engine/domain/entity"
)

// Attribute keys recognized by the extractor. Producers that omit a key get
// the neutral sentinel for that dimension instead of an error.
const (
	AttrFailedAttempts = "failed_attempts"
	AttrRequestRate    = "request_rate"
	AttrPayload        = "payload"
	AttrSourceCountry  = "source_country"
	AttrDeviceID       = "device_id"
	AttrBytesOut       = "bytes_out"
)

// Categorical dimensions tracked against the baseline's known-value sets.
const (
	CategoryCountry = "country"
	CategoryDevice  = "device"
)

var schema = []string{
	"failed_attempts",
	"request_rate",
	"payload_entropy",
	"payload_length",
	"hour_of_day",
	"off_hours",
	"geo_novelty",
	"device_novelty",
	"sql_keyword",
	"bytes_out",
}

var sqlKeywords = []string{
	"union select", "or 1=1", "'; drop", "' or '", "--", "/*", "xp_cmdshell",
	"information_schema", "sleep(", "benchmark(",
}

// Extractor computes the fixed feature schema. It is stateless and safe for
// concurrent use; all history-dependent dimensions read from the supplied
// baseline without mutating it.
type Extractor struct{}

// NewExtractor returns a ready extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Schema returns the ordered feature names. The order matches the values
// produced by Extract.
func (e *Extractor) Schema() []string {
	out := make([]string, len(schema))
	copy(out, schema)
	return out
}

// Extract computes the feature vector for an event. The same event and
// baseline always produce the same vector.
func (e *Extractor) Extract(event *entity.Event, baseline *entity.Baseline) entity.FeatureVector {
	payload := rawString(event, AttrPayload)
	hour := float64(event.Timestamp.UTC().Hour())

	values := make([]float64, len(schema))
	values[0] = event.FloatAttr(AttrFailedAttempts)
	values[1] = event.FloatAttr(AttrRequestRate)
	values[2] = shannonEntropy(payload)
	values[3] = float64(len(payload))
	values[4] = hour
	values[5] = boolFeature(isOffHours(event.Timestamp))
	values[6] = boolFeature(isNovel(baseline, CategoryCountry, event.StringAttr(AttrSourceCountry)))
	values[7] = boolFeature(isNovel(baseline, CategoryDevice, event.StringAttr(AttrDeviceID)))
	values[8] = boolFeature(containsSQLKeyword(payload))
	values[9] = event.FloatAttr(AttrBytesOut)

	names := make([]string, len(schema))
	copy(names, schema)
	return entity.FeatureVector{Names: names, Values: values}
}

// rawString reads a string attribute without the categorical "unknown"
// sentinel. A missing payload contributes zero entropy and zero length.
func rawString(event *entity.Event, key string) string {
	if v, ok := event.Attributes[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// isNovel reports whether the value has never been observed for the entity.
// The sentinel values are never novel so incomplete events do not inflate
// scores.
func isNovel(baseline *entity.Baseline, category, value string) bool {
	if value == "" || value == "unknown" {
		return false
	}
	if baseline == nil {
		return false
	}
	return !baseline.Knows(category, value)
}

func isOffHours(t time.Time) bool {
	h := t.UTC().Hour()
	return h < 6 || h >= 22
}

func containsSQLKeyword(payload string) bool {
	if payload == "" {
		return false
	}
	lower := strings.ToLower(payload)
	for _, kw := range sqlKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// shannonEntropy returns the byte-level entropy of s in bits. High values on
// request payloads correlate with encoded or obfuscated content.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	var counts [256]int
	for i := 0; i < len(s); i++ {
		counts[s[i]]++
	}
	total := float64(len(s))
	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
