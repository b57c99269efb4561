package security_test

import (
	"testing"

	"github.com/atdiar/restfuncs/security"
	"github.com/atdiar/restfuncs/session"
)

func group(t *testing.T, opts security.Options) *security.Group {
	t.Helper()
	r := security.NewRegistry()
	return r.GroupFor("svc", opts)
}

func TestSimpleRequestSafeExceptionAllowsCrossOriginGET(t *testing.T) {
	grp := group(t, security.Options{Origins: security.AllowedOrigins{List: []string{"https://trusted.example"}}})
	g := security.Guard{}
	p := security.Properties{
		Origin:               "https://evil.example",
		Method:                "GET",
		ContentType:           "",
		CouldBeSimpleRequest:  true,
	}

	d := g.Decide(p, &session.Snapshot{}, grp, security.Presented{}, security.Issued{}, true /* isSafe */, false)
	if !d.Allowed {
		t.Fatalf("expected safe GET simple request to be allowed, got deny: %s", d.Reason)
	}

	d2 := g.Decide(p, &session.Snapshot{}, grp, security.Presented{}, security.Issued{}, false /* isSafe */, false)
	if d2.Allowed {
		t.Fatal("expected the same request to a non-safe method to be denied")
	}
}

func TestPreflightTrustVsCorsReadToken(t *testing.T) {
	grp := group(t, security.Options{Origins: security.AllowedOrigins{List: []string{"https://trusted.example"}}})
	g := security.Guard{}
	nonSimple := security.Properties{
		Origin:               "https://evil.example",
		Method:                "PUT",
		ContentType:           "application/json",
		CouldBeSimpleRequest:  false,
	}

	preflightSess := &session.Snapshot{CSRFProtectionMode: session.ModePreflight}
	d := g.Decide(nonSimple, preflightSess, grp, security.Presented{}, security.Issued{}, false, false)
	if !d.Allowed {
		t.Fatalf("expected preflight mode to trust a non-simple cross-origin request, got deny: %s", d.Reason)
	}

	corsReadSess := &session.Snapshot{CSRFProtectionMode: session.ModeCorsReadToken}
	d2 := g.Decide(nonSimple, corsReadSess, grp, security.Presented{}, security.Issued{}, false, false)
	if d2.Allowed {
		t.Fatal("expected corsReadToken mode to deny without a proven read")
	}

	provenProps := nonSimple
	provenProps.ReadWasProven = true
	d3 := g.Decide(provenProps, corsReadSess, grp, security.Presented{}, security.Issued{}, false, false)
	if !d3.Allowed {
		t.Fatalf("expected corsReadToken mode to allow once a read was proven, got deny: %s", d3.Reason)
	}
}

func TestModeDowngradeDenied(t *testing.T) {
	grp := group(t, security.Options{})
	g := security.Guard{}
	sess := &session.Snapshot{CSRFProtectionMode: session.ModeCsrfToken}
	p := security.Properties{DeclaredMode: session.ModePreflight, Method: "POST"}

	d := g.Decide(p, sess, grp, security.Presented{}, security.Issued{}, false, false)
	if d.Allowed {
		t.Fatal("expected a declared-mode downgrade attempt to be denied")
	}
}

func TestCsrfTokenBindingPerGroup(t *testing.T) {
	grpA := group(t, security.Options{})
	g := security.Guard{}
	sess := &session.Snapshot{CSRFProtectionMode: session.ModeCsrfToken}
	p := security.Properties{Method: "POST"}

	// Token issued for group A's own token is accepted.
	okDecision := g.Decide(p, sess, grpA, security.Presented{CSRFToken: "tok-a"}, security.Issued{CSRFToken: "tok-a"}, false, false)
	if !okDecision.Allowed {
		t.Fatalf("expected matching csrfToken to be accepted, got: %s", okDecision.Reason)
	}

	// A token copied from a different group is rejected: issued.CSRFToken
	// here represents group A's own stored token, which does not match
	// whatever the caller presents from group B.
	mismatch := g.Decide(p, sess, grpA, security.Presented{CSRFToken: "tok-b"}, security.Issued{CSRFToken: "tok-a"}, false, false)
	if mismatch.Allowed {
		t.Fatal("expected a token issued for a different group to be rejected")
	}
}

func TestVulnerableUserAgents(t *testing.T) {
	cases := map[string]bool{
		"Opera/9.80 (Android; Opera Mini/36.2.2254/119.132; U; en) Presto/2.12.423 Version/12.16": true,
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/104.0.0.0 Safari/537.36": false,
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_6_8) AppleWebKit/534.57.2 (KHTML, like Gecko) Version/5.1.7 Safari/534.57.2": true,
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Safari/605.1.15": false,
		"Mozilla/5.0 (Windows NT 6.1; rv:15.0) Gecko/20100101 Firefox/15.0": true,
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:115.0) Gecko/20100101 Firefox/115.0": false,
	}
	for ua, want := range cases {
		p := security.PropertiesFromRequestHeaders(map[string]string{"User-Agent": ua})
		if p.BrowserMightHaveSecurityIssuseWithCrossOriginRequests != want {
			t.Errorf("UA %q: got vulnerable=%v, want %v", ua, p.BrowserMightHaveSecurityIssuseWithCrossOriginRequests, want)
		}
	}
}
