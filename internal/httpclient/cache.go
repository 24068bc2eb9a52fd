package httpclient

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CacheEntry is the caller-supplied cache cell for the JSON GET path
// (spec.md §4.2). The zero value is always stale.
type CacheEntry struct {
	URL        string
	Content    []byte
	FreshUntil time.Time
}

// fresh reports whether entry still covers url at "now".
func (entry *CacheEntry) fresh(url string, now time.Time) bool {
	return entry != nil && entry.URL == url && !now.After(entry.FreshUntil)
}

// parseCacheControl tolerates quoted directive values, e.g. Cache-Control: max-age="5".
func parseCacheControl(header string) map[string]string {
	directives := make(map[string]string)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		value := ""
		if len(kv) == 2 {
			value = strings.Trim(strings.TrimSpace(kv[1]), `"`)
		}
		directives[key] = value
	}
	return directives
}

// computeFreshUntil implements spec.md §4.2's cache-freshness rules:
// no-store/no-cache invalidate the cache; max-age wins over Expires;
// Expires: 0 is treated as already-expired; otherwise a 5s default TTL.
func computeFreshUntil(resp *http.Response, requestTime, responseTime time.Time) (freshUntil time.Time, store bool) {
	cc := parseCacheControl(resp.Header.Get("Cache-Control"))
	if _, noStore := cc["no-store"]; noStore {
		return time.Time{}, false
	}
	if _, noCache := cc["no-cache"]; noCache {
		return time.Time{}, false
	}

	if maxAgeStr, ok := cc["max-age"]; ok {
		if maxAge, err := strconv.Atoi(maxAgeStr); err == nil {
			generatedAt := generatedAt(resp, requestTime)
			return generatedAt.Add(time.Duration(maxAge) * time.Second), true
		}
	}

	if expiresHeader := resp.Header.Get("Expires"); expiresHeader != "" {
		if strings.TrimSpace(expiresHeader) == "0" {
			return time.Unix(0, 0), true
		}
		if t, err := http.ParseTime(expiresHeader); err == nil {
			return t, true
		}
		return time.Unix(0, 0), true
	}

	return responseTime.Add(5 * time.Second), true
}

// generatedAt computes min(Date, request_time - Age) as spec.md requires.
func generatedAt(resp *http.Response, requestTime time.Time) time.Time {
	candidates := make([]time.Time, 0, 2)
	if dateHeader := resp.Header.Get("Date"); dateHeader != "" {
		if t, err := http.ParseTime(dateHeader); err == nil {
			candidates = append(candidates, t)
		}
	}
	if ageHeader := resp.Header.Get("Age"); ageHeader != "" {
		if age, err := strconv.Atoi(ageHeader); err == nil {
			candidates = append(candidates, requestTime.Add(-time.Duration(age)*time.Second))
		}
	}
	if len(candidates) == 0 {
		return requestTime
	}
	min := candidates[0]
	for _, c := range candidates[1:] {
		if c.Before(min) {
			min = c
		}
	}
	return min
}
