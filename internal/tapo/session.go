package tapo

import (
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// expiryGuardSeconds is the buffer subtracted from the server-reported
// session timeout so expiresAt always falls strictly before the real
// deadline.
const expiryGuardSeconds = 1200

// defaultSessionTimeoutSeconds is used when a TIMEOUT cookie is absent or
// not parseable as an integer.
const defaultSessionTimeoutSeconds = 86400

// parseCookies re-derives http.Cookie values from raw Set-Cookie header
// lines. Devices emit cookies that net/http's strict cookie jar sometimes
// refuses to round-trip, so headers are walked by hand instead of going
// through http.Client's built-in CookieJar.
func parseCookies(header http.Header) []*http.Cookie {
	lines := header["Set-Cookie"]
	cookies := make([]*http.Cookie, 0, len(lines))
	for _, line := range lines {
		for _, part := range strings.Split(textproto.TrimString(line), ";") {
			name, value, ok := strings.Cut(part, "=")
			if !ok {
				continue
			}
			name = textproto.TrimString(name)
			cookies = append(cookies, &http.Cookie{Name: name, Value: value, Raw: line})
		}
	}
	return cookies
}

// sessionCookieAndExpiry extracts the session id (trying each of
// cookieNames in order, first match wins) and TIMEOUT cookie from a set of
// Set-Cookie headers, applying the default/guard rules above.
func sessionCookieAndExpiry(header http.Header, now time.Time, cookieNames ...string) (sessionCookie string, expiresAt time.Time) {
	cookies := parseCookies(header)

	for _, name := range cookieNames {
		for _, c := range cookies {
			if c.Name == name && sessionCookie == "" {
				sessionCookie = name + "=" + c.Value
			}
		}
	}

	timeoutSeconds := defaultSessionTimeoutSeconds
	for _, c := range cookies {
		if c.Name == "TIMEOUT" {
			if v, err := strconv.Atoi(c.Value); err == nil {
				timeoutSeconds = v
			}
		}
	}

	guarded := timeoutSeconds - expiryGuardSeconds
	if guarded < 1 {
		guarded = 1
	}
	expiresAt = now.Add(time.Duration(guarded) * time.Second)
	return sessionCookie, expiresAt
}
