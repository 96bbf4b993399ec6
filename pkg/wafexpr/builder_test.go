package wafexpr

import "testing"

func TestBuildBypassExpression(t *testing.T) {
	b := Builder{}

	tests := []struct {
		name     string
		params   BypassParams
		expected string
	}{
		{
			name:     "default header",
			params:   BypassParams{Secret: "sk_live_4f9a2c7d1b3e"},
			expected: `any(http.request.headers["x-bypass-secret"][*] == "sk_live_4f9a2c7d1b3e")`,
		},
		{
			name:     "custom header is lowercased",
			params:   BypassParams{Header: "X-Gate-Token", Secret: "sk_abc"},
			expected: `any(http.request.headers["x-gate-token"][*] == "sk_abc")`,
		},
		{
			name:     "secret with double quote is escaped",
			params:   BypassParams{Secret: `sk_"quoted"`},
			expected: `any(http.request.headers["x-bypass-secret"][*] == "sk_\"quoted\"")`,
		},
		{
			name:     "secret with backslash is escaped",
			params:   BypassParams{Secret: `sk_a\b`},
			expected: `any(http.request.headers["x-bypass-secret"][*] == "sk_a\\b")`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.BuildBypassExpression(tt.params)
			if got != tt.expected {
				t.Errorf("\nexpected: %s\ngot:      %s", tt.expected, got)
			}
		})
	}
}

func TestBuildAdmissionExpression(t *testing.T) {
	b := Builder{}

	tests := []struct {
		name     string
		params   AdmissionParams
		expected string
	}{
		{
			name:     "single address",
			params:   AdmissionParams{IPs: []string{"203.0.113.7"}},
			expected: "ip.src in {203.0.113.7}",
		},
		{
			name:     "multiple addresses",
			params:   AdmissionParams{IPs: []string{"203.0.113.7", "198.51.100.12"}},
			expected: "ip.src in {203.0.113.7 198.51.100.12}",
		},
		{
			name:     "cidr prefix is masked",
			params:   AdmissionParams{IPs: []string{"198.51.100.200/24"}},
			expected: "ip.src in {198.51.100.0/24}",
		},
		{
			name:     "ipv6 is canonicalized",
			params:   AdmissionParams{IPs: []string{"2001:DB8:0000::0001"}},
			expected: "ip.src in {2001:db8::1}",
		},
		{
			name:     "mixed addresses and prefixes",
			params:   AdmissionParams{IPs: []string{"203.0.113.7", "2001:db8::/32"}},
			expected: "ip.src in {203.0.113.7 2001:db8::/32}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.BuildAdmissionExpression(tt.params)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("\nexpected: %s\ngot:      %s", tt.expected, got)
			}
		})
	}
}

func TestBuildAdmissionExpression_Invalid(t *testing.T) {
	b := Builder{}

	tests := []struct {
		name   string
		params AdmissionParams
	}{
		{name: "empty set", params: AdmissionParams{}},
		{name: "hostname", params: AdmissionParams{IPs: []string{"origin.example.com"}}},
		{name: "address with port", params: AdmissionParams{IPs: []string{"203.0.113.7:8080"}}},
		{name: "one bad entry fails the build", params: AdmissionParams{IPs: []string{"203.0.113.7", "not-an-ip"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.BuildAdmissionExpression(tt.params); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestQuote(t *testing.T) {
	b := Builder{}

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "plain", input: "sk_abc", expected: `"sk_abc"`},
		{name: "embedded quote", input: `a"b`, expected: `"a\"b"`},
		{name: "embedded backslash", input: `a\b`, expected: `"a\\b"`},
		{name: "backslash before quote", input: `a\"b`, expected: `"a\\\"b"`},
		{name: "empty", input: "", expected: `""`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.quote(tt.input)
			if got != tt.expected {
				t.Errorf("\nexpected: %q\ngot:      %q", tt.expected, got)
			}
		})
	}
}

func TestBuilder_ZeroValue(t *testing.T) {
	// Zero-value Builder should work without initialization
	var b Builder
	got := b.BuildBypassExpression(BypassParams{Secret: "sk_test"})
	expected := `any(http.request.headers["x-bypass-secret"][*] == "sk_test")`
	if got != expected {
		t.Errorf("zero-value builder failed:\nexpected: %s\ngot:      %s", expected, got)
	}
}
