package upstream

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aont/nhk-radio-recorder/store"
)

// localTZ is the broadcaster's local timezone; any timestamp without
// explicit offset information is interpreted here (spec §4.3
// "Normalisation policy").
var localTZ = mustLoadLocation("Asia/Tokyo")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		// Asia/Tokyo is a fixed +9:00 offset with no DST; this never fails
		// on a system with a usable tzdata, but fall back rather than
		// panic if one is somehow missing.
		return time.FixedZone("JST", 9*3600)
	}
	return loc
}

// candidate field-name tables, applied in order, per canonical field (spec
// §9 "Heterogeneous JSON walking ... a table of candidate field names per
// canonical field, applied in order").
var (
	startFields  = []string{"start", "start_time", "startTime", "startDate", "starttime", "startAt", "start_at"}
	endFields    = []string{"end", "end_time", "endTime", "endDate", "endtime", "endAt", "end_at"}
	idFields     = []string{"broadcast_event_id", "event_id", "eventId", "id"}
	seriesFields = []string{"radio_series_id", "series_id", "seriesId"}
	episodeFields = []string{"radio_episode_id", "episode_id", "episodeId"}
	serviceFields = []string{"service_id", "serviceId", "service", "media", "channel"}
	areaFields    = []string{"area_id", "areaId", "area", "region"}
	nameFields    = []string{"display_name", "title", "name", "episode_title", "subtitle"}
	descFields    = []string{"description", "detail", "summary"}
	genreFields   = []string{"genre", "genres", "category"}
	durationFields = []string{"duration_iso", "duration"}
	locationFields = []string{"location", "venue", "pfm"}
	urlFields      = []string{"url", "urls", "link", "links"}
)

func firstString(m map[string]any, fields []string) (string, bool) {
	for _, f := range fields {
		v, ok := m[f]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t, true
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), true
		}
	}
	return "", false
}

func firstStringSlice(m map[string]any, fields []string) []string {
	for _, f := range fields {
		v, ok := m[f]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return []string{t}
			}
		case []any:
			out := make([]string, 0, len(t))
			for _, e := range t {
				if s, ok := e.(string); ok && s != "" {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return nil
}

func hasAnyField(m map[string]any, fields []string) bool {
	for _, f := range fields {
		if v, ok := m[f]; ok && v != nil {
			return true
		}
	}
	return false
}

// parseTimestamp accepts ISO-8601 (with or without fractional seconds, with
// trailing Z or explicit offset), the compact YYYYMMDDHHMMSS form
// (interpreted in localTZ), and numeric epoch seconds (spec §4.3).
func parseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0).UTC(), true
	case string:
		return parseTimestampString(t)
	default:
		return time.Time{}, false
	}
}

var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTimestampString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if isAllDigits(s) {
		switch len(s) {
		case 14:
			if t, err := time.ParseInLocation("20060102150405", s, localTZ); err == nil {
				return t, true
			}
		case 10:
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return time.Unix(n, 0).UTC(), true
			}
		}
		return time.Time{}, false
	}

	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Location() == time.UTC && !strings.Contains(s, "Z") && !hasExplicitOffset(s) {
				// no timezone info at all: reinterpret wall-clock fields in
				// localTZ rather than assuming UTC.
				t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), localTZ)
			}
			return t, true
		}
	}
	return time.Time{}, false
}

func hasExplicitOffset(s string) bool {
	// crude but sufficient: an offset looks like +HH:MM or -HH:MM after the
	// 'T' time separator.
	idx := strings.IndexByte(s, 'T')
	if idx < 0 {
		return false
	}
	rest := s[idx:]
	return strings.ContainsAny(rest, "+-")
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// mapServiceID maps a raw upstream service identifier to the canonical
// ServiceID by case-insensitive substring match (spec §4.3 and §6: r1→r1,
// r2 or rs→r2, r3 or fm→fm). Returns ok=false if no mapping applies.
func mapServiceID(raw string) (store.ServiceID, bool) {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "r1"):
		return store.ServiceR1, true
	case strings.Contains(lower, "r2"), strings.Contains(lower, "rs"):
		return store.ServiceR2, true
	case strings.Contains(lower, "r3"), strings.Contains(lower, "fm"):
		return store.ServiceFM, true
	default:
		return "", false
	}
}

// normalizeEvent converts one duck-typed upstream object into a canonical
// BroadcastEvent. keep is false (err nil) when the event is end<=start and
// should be silently dropped (spec §4.3). err is a store.Error of kind
// UpstreamMalformed when a recognised field has a value of the wrong shape.
func normalizeEvent(raw map[string]any) (ev store.BroadcastEvent, keep bool, err error) {
	startRaw, startOK := firstRaw(raw, startFields)
	endRaw, endOK := firstRaw(raw, endFields)
	if !startOK || !endOK {
		return store.BroadcastEvent{}, false, store.NewError(store.KindUpstreamMalformed, "event missing start/end timestamp field")
	}

	start, ok := parseTimestamp(startRaw)
	if !ok {
		return store.BroadcastEvent{}, false, store.NewError(store.KindUpstreamMalformed, "unparseable start timestamp")
	}
	end, ok := parseTimestamp(endRaw)
	if !ok {
		return store.BroadcastEvent{}, false, store.NewError(store.KindUpstreamMalformed, "unparseable end timestamp")
	}
	if !end.After(start) {
		return store.BroadcastEvent{}, false, nil
	}

	serviceRaw, _ := firstString(raw, serviceFields)
	service, svcOK := mapServiceID(serviceRaw)
	if !svcOK {
		return store.BroadcastEvent{}, false, store.NewError(store.KindUpstreamMalformed, fmt.Sprintf("unrecognised service identifier %q", serviceRaw))
	}

	id, idOK := firstString(raw, idFields)
	if !idOK {
		// fall back to a stable synthetic id: no pack example needs this
		// path in practice, but duck typing means it can happen.
		id = fmt.Sprintf("%s-%s-%d", service, areaOrEmpty(raw), start.Unix())
	}

	area, _ := firstString(raw, areaFields)
	name, _ := firstString(raw, nameFields)
	desc, _ := firstString(raw, descFields)
	durationISO, _ := firstString(raw, durationFields)
	location, _ := firstString(raw, locationFields)
	seriesID, _ := firstString(raw, seriesFields)
	episodeID, _ := firstString(raw, episodeFields)

	ev = store.BroadcastEvent{
		BroadcastEventID: id,
		RadioSeriesID:    seriesID,
		RadioEpisodeID:   episodeID,
		ServiceID:        service,
		AreaID:           strings.ToLower(area),
		Start:            start,
		End:              end,
		DisplayName:      name,
		Description:      desc,
		Genres:           firstStringSlice(raw, genreFields),
		DurationISO:      durationISO,
		Location:         location,
		URLs:             firstStringSlice(raw, urlFields),
	}
	return ev, true, nil
}

func areaOrEmpty(raw map[string]any) string {
	a, _ := firstString(raw, areaFields)
	return a
}

func firstRaw(m map[string]any, fields []string) (any, bool) {
	for _, f := range fields {
		if v, ok := m[f]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// walkEventCandidates recursively scans an arbitrary decoded-JSON value for
// objects that carry both a start-like and an end-like field (spec §4.3:
// "accepts any object carrying both a start-like and end-like timestamp
// field"), regardless of how deeply the upstream payload nests its arrays.
func walkEventCandidates(v any, out *[]map[string]any) {
	switch t := v.(type) {
	case map[string]any:
		if hasAnyField(t, startFields) && hasAnyField(t, endFields) {
			*out = append(*out, t)
			return
		}
		for _, child := range t {
			walkEventCandidates(child, out)
		}
	case []any:
		for _, child := range t {
			walkEventCandidates(child, out)
		}
	}
}

// normalizeEvents walks raw and normalises every candidate event object it
// finds. A malformed candidate aborts the whole call with UpstreamMalformed
// (spec §9: "Unknown shapes produce UpstreamMalformed, not silent
// acceptance"); an end<=start candidate is dropped silently.
func normalizeEvents(raw any) ([]store.BroadcastEvent, error) {
	var candidates []map[string]any
	walkEventCandidates(raw, &candidates)

	events := make([]store.BroadcastEvent, 0, len(candidates))
	for _, c := range candidates {
		ev, keep, err := normalizeEvent(c)
		if err != nil {
			return nil, err
		}
		if keep {
			events = append(events, ev)
		}
	}
	return events, nil
}
