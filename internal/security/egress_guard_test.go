package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewEgressClient_Timeout(t *testing.T) {
	client := NewEgressClient(5 * time.Second)
	if client.Timeout != 5*time.Second {
		t.Errorf("expected timeout %v, got %v", 5*time.Second, client.Timeout)
	}
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Fatal("expected custom Transport")
	}
}

// httptestサーバーはhttp://127.0.0.1で起動されるため拒否される。
func TestNewEgressClient_BlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewEgressClient(5 * time.Second)
	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("expected error for loopback address request, got nil")
	}
}

func TestValidateProviderURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"公開HTTPS", "https://demo.docusign.net/restapi", false},
		{"ポート指定", "https://verify.twilio.com:443", false},
		{"公開IP", "https://8.8.8.8/", false},
		{"http", "http://api.example.com", true},
		{"空", "", true},
		{"ホストなし", "https://", true},
		{"localhost", "https://localhost/auth", true},
		{"ループバック", "https://127.0.0.1", true},
		{"プライベートIP", "https://10.1.2.3", true},
		{"メタデータIP", "https://169.254.169.254/latest", true},
		{"IPv6ループバック", "https://[::1]/", true},
		{"パース不能", "https://exa mple.com/%zz", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProviderURL("TEST_URL", tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateProviderURL(%q) = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
