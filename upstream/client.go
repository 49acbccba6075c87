// Package upstream fetches the remote broadcast schedule, normalises its
// heterogeneous JSON into canonical events, and caches the series and
// area/service-to-HLS-URL documents that rarely change.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/singleflight"

	"github.com/aont/nhk-radio-recorder/clock"
	"github.com/aont/nhk-radio-recorder/store"
)

// Series is one entry of the upstream series directory.
type Series struct {
	SeriesID   string `json:"series_id"`
	SeriesCode string `json:"series_code"`
	Name       string `json:"name"`
	URL        string `json:"url"`
}

// SeriesRef identifies the series fetch_events should query by. Exactly one
// field should be set (spec §4.3: "series_code | series_url | series_id").
type SeriesRef struct {
	SeriesID   string
	SeriesCode string
	SeriesURL  string
}

// Client is the UpstreamClient described in spec §4.3.
type Client struct {
	httpClient *retryablehttp.Client
	baseURL    string
	clk        clock.Clock
	ttl        time.Duration

	seriesGroup singleflight.Group
	seriesMu    sync.RWMutex
	seriesCache []Series
	seriesAt    time.Time

	areaGroup singleflight.Group
	areaMu    sync.RWMutex
	// areaCache[areaID][serviceID] = HLS playlist URL
	areaCache map[string]map[store.ServiceID]string
	areaAt    time.Time
}

// New builds an upstream Client. baseURL is the root of the broadcaster's
// schedule API; ttl is the cache lifetime for both the series directory and
// the area/service HLS map (spec default: 6h).
func New(baseURL string, ttl, requestTimeout time.Duration, clk clock.Clock) *Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = 3
	hc.HTTPClient.Timeout = requestTimeout
	hc.Logger = nil // the caller logs at a higher level; avoid duplicate noise

	return &Client{
		httpClient: hc,
		baseURL:    strings.TrimRight(baseURL, "/"),
		clk:        clk,
		ttl:        ttl,
	}
}

func (c *Client) get(ctx context.Context, path string) (raw any, status int, err error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, store.NewError(store.KindInternal, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, store.NewError(store.KindUpstreamUnavailable, fmt.Sprintf("request %s: %v", path, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, store.NewError(store.KindUpstreamUnavailable, fmt.Sprintf("read response %s: %v", path, err))
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, resp.StatusCode, nil
	}
	if resp.StatusCode >= 500 {
		return nil, resp.StatusCode, store.NewError(store.KindUpstreamUnavailable, fmt.Sprintf("%s: status %d", path, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, store.NewError(store.KindUpstreamMalformed, fmt.Sprintf("%s: status %d", path, resp.StatusCode))
	}

	if len(body) == 0 {
		return nil, resp.StatusCode, nil
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, resp.StatusCode, store.NewError(store.KindUpstreamMalformed, fmt.Sprintf("%s: invalid JSON: %v", path, err))
	}

	if isPayload404(raw) {
		return nil, resp.StatusCode, nil
	}
	return raw, resp.StatusCode, nil
}

// isPayload404 detects the payload-level 404 shape spec §4.3 requires
// treating as an empty result: an object with an "error" field whose "code"
// is 404 (as a number or a numeric string).
func isPayload404(raw any) bool {
	m, ok := raw.(map[string]any)
	if !ok {
		return false
	}
	errObj, ok := m["error"].(map[string]any)
	if !ok {
		return false
	}
	switch v := errObj["code"].(type) {
	case float64:
		return v == 404
	case string:
		return v == "404"
	}
	return false
}

// ListSeries returns the cached series directory, refreshing it if the
// cache has expired. Concurrent callers during a refresh share one
// in-flight request (spec §4.3, §9 "single-flight").
func (c *Client) ListSeries(ctx context.Context) ([]Series, error) {
	c.seriesMu.RLock()
	fresh := c.seriesCache != nil && c.clk.Now().Sub(c.seriesAt) < c.ttl
	cached := c.seriesCache
	c.seriesMu.RUnlock()
	if fresh {
		return cached, nil
	}

	v, err, _ := c.seriesGroup.Do("series", func() (any, error) {
		raw, _, err := c.get(ctx, "/series")
		if err != nil {
			return nil, err
		}
		series, err := decodeSeriesList(raw)
		if err != nil {
			return nil, err
		}
		c.seriesMu.Lock()
		c.seriesCache = series
		c.seriesAt = c.clk.Now()
		c.seriesMu.Unlock()
		return series, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Series), nil
}

func decodeSeriesList(raw any) ([]Series, error) {
	items, ok := raw.([]any)
	if !ok {
		if raw == nil {
			return nil, nil
		}
		return nil, store.NewError(store.KindUpstreamMalformed, "series list is not a JSON array")
	}
	out := make([]Series, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, store.NewError(store.KindUpstreamMalformed, "series entry is not an object")
		}
		id, _ := firstString(m, []string{"series_id", "seriesId", "id"})
		code, _ := firstString(m, []string{"series_code", "seriesCode", "code"})
		name, _ := firstString(m, []string{"name", "title", "display_name"})
		u, _ := firstString(m, []string{"url", "link"})
		out = append(out, Series{SeriesID: id, SeriesCode: code, Name: name, URL: u})
	}
	return out, nil
}

// ResolveSeriesCode finds the series_code whose URL matches seriesURL,
// returning ("", nil) if there is no match (spec §4.3: "series_code |
// null").
func (c *Client) ResolveSeriesCode(ctx context.Context, seriesURL string) (string, error) {
	series, err := c.ListSeries(ctx)
	if err != nil {
		return "", err
	}
	for _, s := range series {
		if s.URL == seriesURL {
			return s.SeriesCode, nil
		}
	}
	return "", nil
}

// FetchEvents returns the canonical BroadcastEvents for the referenced
// series over the next horizon.
func (c *Client) FetchEvents(ctx context.Context, ref SeriesRef, horizon time.Duration) ([]store.BroadcastEvent, error) {
	q := url.Values{}
	switch {
	case ref.SeriesCode != "":
		q.Set("series_code", ref.SeriesCode)
	case ref.SeriesURL != "":
		q.Set("series_url", ref.SeriesURL)
	case ref.SeriesID != "":
		q.Set("series_id", ref.SeriesID)
	default:
		return nil, store.NewError(store.KindBadRequest, "fetch_events requires series_code, series_url or series_id")
	}
	q.Set("horizon_seconds", fmt.Sprintf("%d", int(horizon.Seconds())))

	raw, _, err := c.get(ctx, "/events?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return normalizeEvents(raw)
}

// FetchHLSSource returns the live HLS playlist URL for the given
// service/area pair, using the service-per-area table cached with the same
// TTL as the series list (spec §4.3, §9 "opaque" area config).
func (c *Client) FetchHLSSource(ctx context.Context, serviceID store.ServiceID, areaID string) (string, error) {
	areaID = strings.ToLower(areaID)

	c.areaMu.RLock()
	fresh := c.areaCache != nil && c.clk.Now().Sub(c.areaAt) < c.ttl
	cached := c.areaCache
	c.areaMu.RUnlock()

	table := cached
	if !fresh {
		v, err, _ := c.areaGroup.Do("area-config", func() (any, error) {
			raw, _, err := c.get(ctx, "/area-config")
			if err != nil {
				return nil, err
			}
			t, err := decodeAreaConfig(raw)
			if err != nil {
				return nil, err
			}
			c.areaMu.Lock()
			c.areaCache = t
			c.areaAt = c.clk.Now()
			c.areaMu.Unlock()
			return t, nil
		})
		if err != nil {
			return "", err
		}
		table = v.(map[string]map[store.ServiceID]string)
	}

	byService, ok := table[areaID]
	if !ok {
		return "", store.NewError(store.KindNotFound, fmt.Sprintf("no HLS mapping for area %q", areaID))
	}
	u, ok := byService[serviceID]
	if !ok {
		return "", store.NewError(store.KindNotFound, fmt.Sprintf("no HLS mapping for service %q in area %q", serviceID, areaID))
	}
	return u, nil
}

// decodeAreaConfig walks the opaque area/service configuration document
// looking for objects carrying an area-like, a service-like and a URL-like
// field, the same duck-typed approach used for events (spec §9: "its exact
// schema is not stable ... treats it as opaque").
func decodeAreaConfig(raw any) (map[string]map[store.ServiceID]string, error) {
	table := map[string]map[store.ServiceID]string{}
	var walk func(v any)
	var walkErr error
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			if hasAnyField(t, areaFields) && hasAnyField(t, serviceFields) && hasAnyField(t, urlFields) {
				area, _ := firstString(t, areaFields)
				serviceRaw, _ := firstString(t, serviceFields)
				u, _ := firstString(t, urlFields)
				service, ok := mapServiceID(serviceRaw)
				if !ok {
					walkErr = store.NewError(store.KindUpstreamMalformed, fmt.Sprintf("area-config: unrecognised service %q", serviceRaw))
					return
				}
				area = strings.ToLower(area)
				if table[area] == nil {
					table[area] = map[store.ServiceID]string{}
				}
				table[area][service] = u
				return
			}
			for _, child := range t {
				if walkErr != nil {
					return
				}
				walk(child)
			}
		case []any:
			for _, child := range t {
				if walkErr != nil {
					return
				}
				walk(child)
			}
		}
	}
	walk(raw)
	if walkErr != nil {
		return nil, walkErr
	}
	return table, nil
}
