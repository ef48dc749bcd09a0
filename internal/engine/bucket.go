package engine

import (
	"net/url"
	"strings"
	"time"

	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
)

// directReferrer collapses empty, unparsable, and same-origin referrers.
const directReferrer = "Direct"

// bucketState is the write-side aggregate for one (project, start,
// granularity) window. sessionViews carries the per-bucket pageview count
// for each session seen inside the window: a session spanning a bucket
// boundary is a unique visitor in every bucket it touches, which is the
// conventional web-analytics semantic.
type bucketState struct {
	start       time.Time
	granularity model.Granularity

	pageviews    int64
	uniques      int64
	bounced      int64
	sessionViews map[string]int

	urls      *topN
	referrers *topN
	countries *topN
	browsers  *topN
	oss       *topN
}

func newBucketState(start time.Time, granularity model.Granularity, topCapacity int) *bucketState {
	return &bucketState{
		start:        start,
		granularity:  granularity,
		sessionViews: make(map[string]int),
		urls:         newTopN(topCapacity),
		referrers:    newTopN(topCapacity),
		countries:    newTopN(topCapacity),
		browsers:     newTopN(topCapacity),
		oss:          newTopN(topCapacity),
	}
}

func (b *bucketState) apply(ev model.Event) {
	n := b.sessionViews[ev.SessionID]
	switch n {
	case 0:
		b.uniques++
		b.bounced++
	case 1:
		// Second event of the session inside this bucket: retract the
		// bounce counted on the first, never double-adjust.
		b.bounced--
	}
	b.sessionViews[ev.SessionID] = n + 1
	b.pageviews++

	b.urls.Observe(ev.URL)
	b.referrers.Observe(referrerHost(ev.Referrer, ev.URL))
	b.countries.Observe(ev.Country)
	b.browsers.Observe(ev.Browser)
	b.oss.Observe(ev.OS)
}

// bounceRate is bounced sessions over unique visitors; zero visitors yields
// zero, not an error.
func (b *bucketState) bounceRate() float64 {
	if b.uniques == 0 {
		return 0
	}
	return float64(b.bounced) / float64(b.uniques)
}

// snapshot copies the bucket header and top-N entries. The copy is what
// readers get; writers never share internal maps with them.
func (b *bucketState) snapshot(projectID string) model.MetricBucket {
	viewsPerVisit := 0.0
	if b.uniques > 0 {
		viewsPerVisit = float64(b.pageviews) / float64(b.uniques)
	}
	return model.MetricBucket{
		ProjectID:       projectID,
		BucketStart:     b.start,
		Granularity:     b.granularity,
		Pageviews:       b.pageviews,
		UniqueVisitors:  b.uniques,
		BouncedSessions: b.bounced,
		BounceRate:      b.bounceRate(),
		ViewsPerVisit:   viewsPerVisit,
		TopURLs:         b.urls.Entries(),
		TopReferrers:    b.referrers.Entries(),
		TopCountries:    b.countries.Entries(),
		TopBrowsers:     b.browsers.Entries(),
		TopOS:           b.oss.Entries(),
	}
}

// referrerHost extracts the referring host. Empty, unparsable, and
// same-origin referrers all collapse to "Direct".
func referrerHost(referrer, pageURL string) string {
	referrer = strings.TrimSpace(referrer)
	if referrer == "" {
		return directReferrer
	}
	ref, err := url.Parse(referrer)
	if err != nil || ref.Host == "" {
		return directReferrer
	}
	if page, err := url.Parse(pageURL); err == nil && page.Host != "" {
		if strings.EqualFold(ref.Host, page.Host) {
			return directReferrer
		}
	}
	return ref.Host
}
