// Package security implements the CSRF/cross-origin decision engine
// (spec.md §4.3) and the SecurityGroup equivalence-class registry
// (spec.md §3) that lets one token cover every service class with
// identical security options.
//
// It is grounded on github.com/atdiar/xhttp's handlers/cors (simple-request
// classification) and handlers/csrf (the two-branch, header-present/absent
// decision shape), generalized from a fixed same-origin policy into the
// three-mode state machine spec.md §4.3 specifies.
package security

import (
	"net/http"
	"net/textproto"
	"regexp"
	"strings"

	"github.com/atdiar/restfuncs/session"
)

// Properties is SecurityPropertiesOfHttpRequest from spec.md §3: the
// security-relevant facts extracted from one HTTP request (or, on a
// socket, the cached facts ferried across by the bridge package).
type Properties struct {
	Origin                                  string
	Referer                                 string
	Method                                  string
	ContentType                             string
	CouldBeSimpleRequest                    bool
	ReadWasProven                           bool
	DeclaredMode                            session.Mode
	BrowserMightHaveSecurityIssuseWithCrossOriginRequests bool
}

// simpleMethods and simpleContentTypes mirror the teacher's
// handlers/cors/cors.go SimpleRequestMethods/SimpleRequestContentTypes
// sets — the browser-defined "no preflight" request shape.
var simpleMethods = map[string]bool{
	http.MethodGet:  true,
	http.MethodHead: true,
	http.MethodPost: true,
}

var simpleContentTypes = map[string]bool{
	"application/x-www-form-urlencoded": true,
	"multipart/form-data":               true,
	"text/plain":                        true,
}

// forcedComplexHeader is the header restfuncs clients set to force a
// request out of the "simple request" shape even when method/content-type
// would otherwise qualify — the escape hatch spec.md §4.3 step 7 refers to
// as "no forced-complex header".
const forcedComplexHeader = "X-Restfuncs-Complex"

// PropertiesFromRequest derives Properties from an inbound *http.Request.
func PropertiesFromRequest(r *http.Request) Properties {
	h := textproto.MIMEHeader(r.Header)
	ct := baseContentType(h.Get("Content-Type"))

	p := Properties{
		Origin:       h.Get("Origin"),
		Referer:      h.Get("Referer"),
		Method:       r.Method,
		ContentType:  ct,
		DeclaredMode: declaredMode(r),
	}
	p.CouldBeSimpleRequest = simpleMethods[strings.ToUpper(r.Method)] &&
		(ct == "" || simpleContentTypes[ct]) &&
		h.Get(forcedComplexHeader) == ""
	p.BrowserMightHaveSecurityIssuseWithCrossOriginRequests = isVulnerableUserAgent(h.Get("User-Agent"))
	return p
}

// PropertiesFromRequestHeaders builds a Properties value from a raw
// header map, bypassing the rest of *http.Request inspection. It exists
// so the User-Agent vulnerability classification (and other header-only
// facts) can be tested directly without constructing a full request.
func PropertiesFromRequestHeaders(headers map[string]string) Properties {
	return Properties{
		BrowserMightHaveSecurityIssuseWithCrossOriginRequests: isVulnerableUserAgent(headers["User-Agent"]),
	}
}

func baseContentType(raw string) string {
	if i := strings.IndexByte(raw, ';'); i >= 0 {
		raw = raw[:i]
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

// declaredMode reads the csrfProtectionMode meta parameter from query or
// form value; an absent or unrecognized value resolves to ModeUnset, which
// Guard then treats as ModePreflight (spec.md §9 open question a).
func declaredMode(r *http.Request) session.Mode {
	raw := r.URL.Query().Get("csrfProtectionMode")
	if raw == "" {
		raw = r.FormValue("csrfProtectionMode")
	}
	switch session.Mode(raw) {
	case session.ModePreflight, session.ModeCorsReadToken, session.ModeCsrfToken:
		return session.Mode(raw)
	default:
		return session.ModeUnset
	}
}

// isVulnerableUserAgent encodes spec.md §8 scenario 6's literal cases:
// Opera Mini in any version, Safari up to and including major version 5,
// Firefox before version 23.
func isVulnerableUserAgent(ua string) bool {
	if ua == "" {
		return false
	}
	if strings.Contains(ua, "Opera Mini") {
		return true
	}
	if m := regexp.MustCompile(`Version/([0-9]+)(\.[0-9]+)*\s+Safari`).FindStringSubmatch(ua); m != nil && !strings.Contains(ua, "Chrome") {
		major := m[1]
		if major == "0" || major == "1" || major == "2" || major == "3" || major == "4" || major == "5" {
			return true
		}
	}
	if m := regexp.MustCompile(`Firefox/([0-9]+)`).FindStringSubmatch(ua); m != nil {
		if n := atoiSafe(m[1]); n > 0 && n < 23 {
			return true
		}
	}
	return false
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int(r-'0')
	}
	return n
}
