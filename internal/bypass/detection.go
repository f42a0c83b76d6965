// Package bypass recognizes bot walls and challenge pages so the fetcher can
// classify them as blocked instead of handing challenge HTML to extraction.
package bypass

import (
	"bytes"
	"net/http"
	"strings"
)

// Response is the part of an HTTP exchange detectors look at.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Detector reports whether resp is a bot wall and names the vendor.
type Detector func(resp *Response) (detected bool, source string)

// DefaultDetectors returns the detectors used by the fetcher.
func DefaultDetectors() []Detector {
	return []Detector{
		detectCloudflare,
		detectAkamai,
		detectDataDome,
		detectPerimeterX,
		detectGoogleSorry,
		detectLinkedInAuthwall,
	}
}

// Analyze runs resp through detectors and returns the first match.
func Analyze(resp *Response, detectors []Detector) (bool, string) {
	if resp == nil {
		return false, ""
	}
	for _, d := range detectors {
		if detected, source := d(resp); detected {
			return true, source
		}
	}
	return false, ""
}

func server(resp *Response) string {
	return strings.ToLower(resp.Header.Get("Server"))
}

func bodyHas(resp *Response, needles ...string) bool {
	for _, n := range needles {
		if bytes.Contains(resp.Body, []byte(n)) {
			return true
		}
	}
	return false
}

func detectCloudflare(resp *Response) (bool, string) {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusServiceUnavailable {
		return false, ""
	}
	if strings.Contains(server(resp), "cloudflare") || resp.Header.Get("Cf-Mitigated") == "challenge" {
		return true, "Cloudflare"
	}
	if bodyHas(resp, "cf-browser-verification", "cf-turnstile", "challenge-platform", "Attention Required! | Cloudflare") {
		return true, "Cloudflare"
	}
	return false, ""
}

func detectAkamai(resp *Response) (bool, string) {
	if resp.StatusCode != http.StatusForbidden {
		return false, ""
	}
	if strings.Contains(server(resp), "akamai") {
		return true, "Akamai"
	}
	if bodyHas(resp, "Reference #") && bodyHas(resp, "Access Denied") {
		return true, "Akamai"
	}
	return false, ""
}

func detectDataDome(resp *Response) (bool, string) {
	if resp.StatusCode != http.StatusForbidden {
		return false, ""
	}
	if strings.Contains(server(resp), "datadome") || resp.Header.Get("X-DataDome") != "" || resp.Header.Get("X-DataDome-Response") != "" {
		return true, "DataDome"
	}
	if bodyHas(resp, "geo.captcha-delivery.com", "datadome") {
		return true, "DataDome"
	}
	return false, ""
}

func detectPerimeterX(resp *Response) (bool, string) {
	if resp.StatusCode != http.StatusForbidden {
		return false, ""
	}
	if resp.Header.Get("X-Px-Captcha") != "" {
		return true, "PerimeterX"
	}
	if bodyHas(resp, "client.perimeterx.net", "px-captcha", "_pxBlock") {
		return true, "PerimeterX"
	}
	return false, ""
}

// detectGoogleSorry catches the "unusual traffic" interstitial served to
// scraped result pages.
func detectGoogleSorry(resp *Response) (bool, string) {
	if strings.Contains(resp.URL, "google.com/sorry") {
		return true, "Google"
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
		if bodyHas(resp, "Our systems have detected unusual traffic", "/recaptcha/api.js") {
			return true, "Google"
		}
	}
	return false, ""
}

// detectLinkedInAuthwall catches profile pages that redirect to a sign-in wall.
func detectLinkedInAuthwall(resp *Response) (bool, string) {
	if strings.Contains(resp.URL, "linkedin.com/authwall") || resp.StatusCode == 999 {
		return true, "LinkedIn"
	}
	if strings.Contains(resp.URL, "linkedin.com") && bodyHas(resp, "authwall", "Join LinkedIn") && bodyHas(resp, "Sign in") {
		return true, "LinkedIn"
	}
	return false, ""
}
