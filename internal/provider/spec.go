package provider

import (
	"factsync/internal/domain"
)

// KeyPath is the pseudo-path selecting the entry name when a record
// collection is a JSON object keyed by date or timestamp.
const KeyPath = "@key"

// Spec declares one HTTP provider: where it lives, how it authenticates and
// how its payloads map onto canonical fields.
type Spec struct {
	Name    string
	BaseURL string

	// AuthQuery names the query parameter carrying the API key.
	AuthQuery string
	// AuthHeader names the header carrying the API key; AuthPrefix is
	// prepended to the key value ("Token ").
	AuthHeader string
	AuthPrefix string
	// NoCredential marks public endpoints that need no API key.
	NoCredential bool

	// RateLimitPerMin is the default throttle; config overrides it.
	RateLimitPerMin int

	// ErrorPaths are JSONPath expressions that, when they resolve to a
	// non-empty string in a 200 response, signal a provider-level error.
	ErrorPaths []string
	// ThrottlePaths are like ErrorPaths but mark throttling notices.
	ThrottlePaths []string

	Endpoints []Endpoint
}

// Endpoint maps one API call onto one fact kind (and frequency).
type Endpoint struct {
	Kind      domain.FactKind
	Frequency domain.Frequency // FrequencyNone matches any frequency

	// Path is appended to the base URL. Placeholders: {symbol}, {from},
	// {to} (YYYY-MM-DD), {from_s}, {to_s} (unix seconds), {from_ms},
	// {to_ms} (unix milliseconds) and {period}.
	Path  string
	Query map[string]string

	// PeriodNames translates a Frequency into the provider's {period}
	// vocabulary.
	PeriodNames map[domain.Frequency]string

	// Records selects the record collection: an array, an object keyed by
	// date (use KeyPath in Key), or a single object when Single is set.
	Records string
	Single  bool

	// Key is the path of the natural-key value inside a record. Empty for
	// quotes.
	Key string

	// Fields maps canonical field names to paths inside a record.
	Fields map[string]string

	// TimeLayout and TimeZone control parsing of date and time strings;
	// Unix selects the epoch unit for numeric instants.
	TimeLayout string
	TimeZone   string
	Unix       domain.TimeUnit

	// NextPage is the path of an absolute next-page URL; MaxPages bounds
	// pagination (default 1).
	NextPage string
	MaxPages int
}

// endpointFor returns the first endpoint matching kind and freq.
func (s *Spec) endpointFor(kind domain.FactKind, freq domain.Frequency) (Endpoint, bool) {
	for _, ep := range s.Endpoints {
		if ep.Kind != kind {
			continue
		}
		if ep.Frequency != domain.FrequencyNone && ep.Frequency != freq {
			continue
		}
		return ep, true
	}
	return Endpoint{}, false
}
