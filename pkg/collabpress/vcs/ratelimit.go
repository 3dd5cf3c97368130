package vcs

import (
	"net/http"
	"strconv"
	"time"
)

// Rate-limit classes. Primary is quota exhaustion; secondary is the
// abuse-detection throttle, signalled differently by the server.
const (
	limitPrimary   = "primary"
	limitSecondary = "secondary"
)

// maxRateLimitWait caps the honored server wait so a pathological
// header cannot stall a call for hours.
const maxRateLimitWait = 5 * time.Minute

// rateLimitWait inspects a non-2xx response for rate limiting and
// returns the wait the server asks for.
//
// Secondary (abuse-detection) limiting arrives as a Retry-After header
// on 403/429. Primary limiting arrives as X-RateLimit-Remaining: 0
// with the reset time in X-RateLimit-Reset (unix seconds).
func rateLimitWait(resp *http.Response) (time.Duration, string, bool) {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return 0, "", false
	}

	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
			return clampWait(time.Duration(secs) * time.Second), limitSecondary, true
		}
	}

	if resp.Header.Get("X-RateLimit-Remaining") == "0" {
		wait := time.Second
		if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
			if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
				until := time.Until(time.Unix(unix, 0))
				if until > 0 {
					wait = until
				}
			}
		}
		return clampWait(wait), limitPrimary, true
	}

	// A bare 429 with no headers still means "slow down".
	if resp.StatusCode == http.StatusTooManyRequests {
		return time.Second, limitSecondary, true
	}

	return 0, "", false
}

func clampWait(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > maxRateLimitWait {
		return maxRateLimitWait
	}
	return d
}
