package allowlist

import "testing"

func TestNormalizeIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"ipv4", "203.0.113.7", "203.0.113.7", true},
		{"ipv4 with whitespace", "  203.0.113.7 ", "203.0.113.7", true},
		{"ipv6", "2001:db8::1", "2001:db8::1", true},
		{"ipv6 uppercase canonicalized", "2001:DB8::1", "2001:db8::1", true},
		{"ipv6 expanded canonicalized", "2001:0db8:0000:0000:0000:0000:0000:0001", "2001:db8::1", true},
		{"agent key", "ag_scraper-bot_01", "ag_scraper-bot_01", true},
		{"agent key max-ish", "ag_0123456789abcdefABCDEF-_0123456789", "ag_0123456789abcdefABCDEF-_0123456789", true},
		{"empty", "", "", false},
		{"whitespace only", "   ", "", false},
		{"hostname", "bot.example.com", "", false},
		{"ipv4 with port", "203.0.113.7:443", "", false},
		{"agent key too short", "ag_abc", "", false},
		{"agent key wrong prefix", "agent_0123456789", "", false},
		{"agent key illegal chars", "ag_hello world!", "", false},
		{"bare hex", "0123456789abcdef", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeIdentifier(tt.input)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("normalized = %q, want %q", got, tt.want)
			}
		})
	}
}
