package fingerprint

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestTransport_Profiles(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	profiles := []Profile{ProfileChrome, ProfileFirefox, ProfileSafari, ProfileGo, ProfileRandom}

	for _, p := range profiles {
		t.Run(string(p), func(t *testing.T) {
			// httptest.NewTLSServer uses a self-signed certificate.
			tr, err := Transport(p, Options{InsecureSkipVerify: true})
			if err != nil {
				t.Fatalf("unexpected error creating transport for %s: %v", p, err)
			}
			if p != ProfileGo && tr.DialTLSContext == nil {
				t.Fatalf("expected uTLS dialer for profile %s", p)
			}

			client := &http.Client{Transport: tr}
			resp, err := client.Get(ts.URL)
			if err != nil {
				t.Fatalf("request failed for profile %s: %v", p, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Errorf("expected 200 OK, got %d for profile %s", resp.StatusCode, p)
			}
		})
	}
}

func TestTransport_VerifiesCertificatesByDefault(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	tr, err := Transport(ProfileChrome, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client := &http.Client{Transport: tr}
	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("expected certificate verification failure against self-signed server")
	}
}

func TestTransport_Proxy(t *testing.T) {
	proxyURL, _ := url.Parse("http://127.0.0.1:3128")
	tr, err := Transport(ProfileGo, Options{Proxy: http.ProxyURL(proxyURL)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	got, err := tr.Proxy(req)
	if err != nil || got.String() != proxyURL.String() {
		t.Errorf("expected proxy %v, got %v (%v)", proxyURL, got, err)
	}
}

func TestTransport_UnknownProfile(t *testing.T) {
	if _, err := Transport(Profile("unknown_browser"), Options{}); err == nil {
		t.Fatal("expected error for unknown profile, got nil")
	}
}

func TestParseProfile(t *testing.T) {
	tests := map[string]Profile{
		"":        ProfileChrome,
		"Firefox": ProfileFirefox,
		" go ":    ProfileGo,
		"random":  ProfileRandom,
	}
	for in, want := range tests {
		got, err := ParseProfile(in)
		if err != nil || got != want {
			t.Errorf("ParseProfile(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseProfile("netscape"); err == nil {
		t.Error("expected error for unknown profile")
	}
}
