package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		url          string
		requireHTTPS bool
		ok           bool
	}{
		{"https://93.184.216.34/hooks", true, true},
		{"http://93.184.216.34/hooks", false, true},
		{"http://93.184.216.34/hooks", true, false},
		{"ftp://93.184.216.34/", false, false},
		{"https://127.0.0.1/hooks", false, false},
		{"https://10.0.0.5/hooks", false, false},
		{"https://169.254.169.254/latest", false, false},
		{"https://[::1]/hooks", false, false},
		{"https://0.0.0.0/", false, false},
		{"https://localhost/hooks", false, false},
		{"https:///nohost", false, false},
	}
	for _, tt := range tests {
		err := ValidateEndpointURL(tt.url, tt.requireHTTPS)
		if tt.ok {
			assert.NoError(t, err, tt.url)
		} else {
			assert.Error(t, err, tt.url)
		}
	}
}
