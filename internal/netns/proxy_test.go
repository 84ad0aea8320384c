package netns

import "testing"

func TestConnectProxyAllowed(t *testing.T) {
	p := &connectProxy{
		domains: map[string]bool{"api.example.com": true},
	}
	p.wildcards = []string{".example.org"}

	cases := []struct {
		host string
		want bool
	}{
		{"api.example.com", true},
		{"api.example.com:443", true},
		{"sub.example.org", true},
		{"sub.example.org:443", true},
		{"evil.com", false},
	}
	for _, tc := range cases {
		if got := p.allowed(tc.host); got != tc.want {
			t.Errorf("allowed(%q) = %v, want %v", tc.host, got, tc.want)
		}
	}
}

func TestConnectProxyAllowsEverythingWithEmptyAllowlist(t *testing.T) {
	p := &connectProxy{domains: map[string]bool{}}
	if !p.allowed("anything.example.com") {
		t.Error("an empty allowlist should mean unrestricted outbound, not deny-all")
	}
}
