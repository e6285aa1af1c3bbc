package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	testCases := []struct {
		name    string
		env     map[string]string
		wantErr bool
		wantCfg *Config
	}{
		{
			name: "defaults (no env set)",
			env:  map[string]string{},
			wantCfg: &Config{
				Host:                 "127.0.0.1",
				Port:                 9222,
				UserAgent:            "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
				DefaultNewTabURL:     "about:blank",
				AttachSettleDelayMs:  200,
				AttachReadyTimeoutMs: 3000,
			},
		},
		{
			name: "custom valid env",
			env: map[string]string{
				"HOST":                    "0.0.0.0",
				"PORT":                    "9333",
				"DEFAULT_NEW_TAB_URL":     "https://start.example",
				"ATTACH_SETTLE_DELAY_MS":  "50",
				"ATTACH_READY_TIMEOUT_MS": "1000",
				"ENABLE_TEST_ENDPOINTS":   "true",
				"LOG_CDP_MESSAGES":        "true",
			},
			wantCfg: &Config{
				Host:                 "0.0.0.0",
				Port:                 9333,
				UserAgent:            "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
				DefaultNewTabURL:     "https://start.example",
				AttachSettleDelayMs:  50,
				AttachReadyTimeoutMs: 1000,
				EnableTestEndpoints:  true,
				LogCDPMessages:       true,
			},
		},
		{
			name: "missing host (set to empty)",
			env: map[string]string{
				"HOST": "",
			},
			wantErr: true,
		},
		{
			name: "port out of range",
			env: map[string]string{
				"PORT": "70000",
			},
			wantErr: true,
		},
		{
			name: "negative settle delay",
			env: map[string]string{
				"ATTACH_SETTLE_DELAY_MS": "-1",
			},
			wantErr: true,
		},
	}

	for idx := range testCases {
		tc := testCases[idx]
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()

			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)
				require.Equal(t, tc.wantCfg, cfg)
			}
		})
	}
}
