package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
)

// ParsePayloadBytes decodes one tracking payload. Keys are matched
// case-insensitively and common aliases are accepted, since snippets in
// the wild disagree on casing.
func ParsePayloadBytes(data []byte) (*model.RawEvent, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParsePayloadMap(obj), nil
}

func ParsePayloadMap(obj map[string]interface{}) *model.RawEvent {
	flat := make(map[string]string, len(obj))
	for key, val := range obj {
		if val == nil {
			continue
		}
		flat[strings.ToLower(key)] = fmt.Sprint(val)
	}
	return &model.RawEvent{
		ProjectID: firstNonEmpty(flat, "projectid", "project_id", "project", "site_id", "domain"),
		URL:       firstNonEmpty(flat, "url", "u", "page", "pathname"),
		Referrer:  firstNonEmpty(flat, "referrer", "r", "ref"),
		SessionID: firstNonEmpty(flat, "sessionid", "session_id", "session", "visitor_id"),
		EventName: firstNonEmpty(flat, "eventname", "event_name", "event", "n", "name"),
		Country:   firstNonEmpty(flat, "country", "country_code"),
		Browser:   firstNonEmpty(flat, "browser"),
		OS:        firstNonEmpty(flat, "os", "operating_system"),
	}
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}
