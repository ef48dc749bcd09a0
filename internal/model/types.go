package model

import "time"

// DefaultEventName is assigned when a tracking payload omits event_name.
const DefaultEventName = "pageview"

// Unknown is the placeholder for country/browser/os values that could not
// be derived at the ingestion boundary.
const Unknown = "Unknown"

// RawEvent is a tracking payload after boundary normalization (user agent
// and country already resolved) but before the engine assigns identity and
// a server-side timestamp.
type RawEvent struct {
	ProjectID string `json:"project_id"`
	URL       string `json:"url"`
	Referrer  string `json:"referrer,omitempty"`
	SessionID string `json:"session_id"`
	EventName string `json:"event_name,omitempty"`
	Country   string `json:"country,omitempty"`
	Browser   string `json:"browser,omitempty"`
	OS        string `json:"os,omitempty"`
	Source    string `json:"source,omitempty"`
}

// Event is the immutable ingested fact. ID and Timestamp are assigned by
// the engine; Timestamp is monotonic per project regardless of client
// clock skew.
type Event struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	EventName string    `json:"event_name"`
	URL       string    `json:"url"`
	Referrer  string    `json:"referrer,omitempty"`
	SessionID string    `json:"session_id"`
	Country   string    `json:"country"`
	Browser   string    `json:"browser"`
	OS        string    `json:"os"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionDelta reports how a single event changed its session's running
// state. CountBefore==1 && CountAfter==2 is the bounce retraction signal.
type SessionDelta struct {
	IsNewSession bool `json:"is_new_session"`
	CountBefore  int  `json:"count_before"`
	CountAfter   int  `json:"count_after"`
}

type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
)

// Span returns the bucket length for the granularity.
func (g Granularity) Span() time.Duration {
	if g == GranularityDay {
		return 24 * time.Hour
	}
	return time.Hour
}

// Truncate maps a timestamp to its bucket start in UTC.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	if g == GranularityDay {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Hour)
}

// TopEntry is one value/count pair of a bounded top-N breakdown.
type TopEntry struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// MetricBucket is the read-side copy of one time bucket's aggregates.
type MetricBucket struct {
	ProjectID       string      `json:"project_id"`
	BucketStart     time.Time   `json:"bucket_start"`
	Granularity     Granularity `json:"granularity"`
	Pageviews       int64       `json:"pageviews"`
	UniqueVisitors  int64       `json:"unique_visitors"`
	BouncedSessions int64       `json:"bounced_sessions"`
	BounceRate      float64     `json:"bounce_rate"`
	ViewsPerVisit   float64     `json:"views_per_visit"`
	TopURLs         []TopEntry  `json:"top_urls"`
	TopReferrers    []TopEntry  `json:"top_referrers"`
	TopCountries    []TopEntry  `json:"top_countries"`
	TopBrowsers     []TopEntry  `json:"top_browsers"`
	TopOS           []TopEntry  `json:"top_os"`
}

type MetricType string

const (
	MetricTrafficSpike    MetricType = "traffic_spike"
	MetricBounceRateSpike MetricType = "bounce_rate_spike"
	MetricSessionDrop     MetricType = "session_drop"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Anomaly is a detected deviation. At most one unresolved anomaly exists
// per (project_id, metric_type) at any time.
type Anomaly struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	MetricType    MetricType `json:"metric_type"`
	ExpectedValue float64    `json:"expected_value"`
	ActualValue   float64    `json:"actual_value"`
	Severity      Severity   `json:"severity"`
	DetectedAt    time.Time  `json:"detected_at"`
	IsResolved    bool       `json:"is_resolved"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

type MessageKind string

const (
	MessageEvent   MessageKind = "event"
	MessageAnomaly MessageKind = "anomaly"
)

// Message is one fan-out notification to live subscribers.
type Message struct {
	Kind      MessageKind `json:"kind"`
	ProjectID string      `json:"project_id"`
	Event     *Event      `json:"event,omitempty"`
	Anomaly   *Anomaly    `json:"anomaly,omitempty"`
	SentAt    time.Time   `json:"sent_at"`
}
