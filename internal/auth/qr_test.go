package auth

import "testing"

func TestExtractQRToken(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://chat.example.com/q/abc123", "abc123"},
		{"https://chat.example.com/q/a%20b?x=1", "a b"},
		{"https://chat.example.com/login?token=tok-9", "tok-9"},
		{"/q/raw-path", "raw-path"},
		{"QRCODE: tok", "tok"},
		{"  plain-token  ", "plain-token"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractQRToken(tt.in); got != tt.want {
			t.Errorf("ExtractQRToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
