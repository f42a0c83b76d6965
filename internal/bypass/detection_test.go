package bypass

import (
	"net/http"
	"testing"
)

func TestDetectCloudflare(t *testing.T) {
	resp := &Response{StatusCode: 200, Header: http.Header{"Server": {"nginx"}}, Body: []byte("OK")}
	if detected, _ := detectCloudflare(resp); detected {
		t.Errorf("expected not detected")
	}

	resp = &Response{StatusCode: 403, Header: http.Header{"Server": {"cloudflare"}}, Body: []byte("Access Denied")}
	if detected, src := detectCloudflare(resp); !detected || src != "Cloudflare" {
		t.Errorf("expected Cloudflare detection by header")
	}

	resp = &Response{StatusCode: 503, Header: http.Header{}, Body: []byte("<html>... cf-turnstile ...</html>")}
	if detected, src := detectCloudflare(resp); !detected || src != "Cloudflare" {
		t.Errorf("expected Cloudflare detection by body")
	}
}

func TestDetectAkamai(t *testing.T) {
	resp := &Response{StatusCode: 403, Header: http.Header{"Server": {"AkamaiGHost"}}}
	if detected, src := detectAkamai(resp); !detected || src != "Akamai" {
		t.Errorf("expected Akamai detection by header")
	}

	resp = &Response{StatusCode: 403, Header: http.Header{}, Body: []byte("Access Denied... Reference #123.456")}
	if detected, src := detectAkamai(resp); !detected || src != "Akamai" {
		t.Errorf("expected Akamai detection by body")
	}
}

func TestDetectDataDome(t *testing.T) {
	resp := &Response{StatusCode: 403, Header: http.Header{"X-Datadome": {"protected"}}}
	if detected, src := detectDataDome(resp); !detected || src != "DataDome" {
		t.Errorf("expected DataDome detection by header")
	}
}

func TestDetectPerimeterX(t *testing.T) {
	resp := &Response{StatusCode: 403, Header: http.Header{}, Body: []byte(`<div id="px-captcha"></div>`)}
	if detected, src := detectPerimeterX(resp); !detected || src != "PerimeterX" {
		t.Errorf("expected PerimeterX detection by body")
	}
}

func TestDetectGoogleSorry(t *testing.T) {
	resp := &Response{URL: "https://www.google.com/sorry/index?continue=x", StatusCode: 200}
	if detected, src := detectGoogleSorry(resp); !detected || src != "Google" {
		t.Errorf("expected Google detection by redirect URL")
	}

	resp = &Response{URL: "https://www.google.com/search?q=x", StatusCode: 429, Body: []byte("Our systems have detected unusual traffic from your computer")}
	if detected, _ := detectGoogleSorry(resp); !detected {
		t.Errorf("expected Google detection by body")
	}
}

func TestDetectLinkedInAuthwall(t *testing.T) {
	resp := &Response{URL: "https://www.linkedin.com/authwall?trk=x", StatusCode: 200}
	if detected, src := detectLinkedInAuthwall(resp); !detected || src != "LinkedIn" {
		t.Errorf("expected LinkedIn authwall detection")
	}

	resp = &Response{URL: "https://www.linkedin.com/in/jane", StatusCode: 999}
	if detected, _ := detectLinkedInAuthwall(resp); !detected {
		t.Errorf("expected LinkedIn 999 detection")
	}
}

func TestAnalyze(t *testing.T) {
	clean := &Response{URL: "https://acme.com", StatusCode: 200, Header: http.Header{}, Body: []byte("<html>Acme careers</html>")}
	if detected, src := Analyze(clean, DefaultDetectors()); detected || src != "" {
		t.Errorf("expected clean page, got %s", src)
	}

	blocked := &Response{URL: "https://acme.com", StatusCode: 403, Header: http.Header{"Server": {"cloudflare"}}}
	if detected, src := Analyze(blocked, DefaultDetectors()); !detected || src != "Cloudflare" {
		t.Errorf("expected Cloudflare, got %v %s", detected, src)
	}

	if detected, _ := Analyze(nil, DefaultDetectors()); detected {
		t.Errorf("expected nil response to be clean")
	}
}
