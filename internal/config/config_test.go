package config

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/securechat/internal/encryption"
	"github.com/stretchr/testify/assert"
)

func TestNewConfig(t *testing.T) {
	var (
		addr   = "localhost:8080"
		dsn    = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
		key    = "c29tZV9zZWNyZXQ="
		encKey = base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", encryption.KeySize)))
		orig   = []string{"http://localhost:3000"}
	)

	valid := func() Params {
		return Params{
			ServerAddr:     addr,
			DatabaseDSN:    dsn,
			SigningSecret:  key,
			EncryptionKey:  encKey,
			AllowedOrigins: orig,
		}
	}

	tcases := []struct {
		name   string
		modify func(p *Params)
		err    bool
	}{
		{
			name:   "valid config",
			modify: func(p *Params) {},
		},
		{
			name:   "empty address",
			modify: func(p *Params) { p.ServerAddr = "" },
			err:    true,
		},
		{
			name:   "empty DSN",
			modify: func(p *Params) { p.DatabaseDSN = "" },
			err:    true,
		},
		{
			name:   "empty signing key",
			modify: func(p *Params) { p.SigningSecret = "" },
			err:    true,
		},
		{
			name:   "empty encryption key",
			modify: func(p *Params) { p.EncryptionKey = "" },
			err:    true,
		},
		{
			name:   "short encryption key",
			modify: func(p *Params) { p.EncryptionKey = base64.StdEncoding.EncodeToString([]byte("short")) },
			err:    true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			p := valid()
			tc.modify(&p)

			config, err := NewConfig(p)
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, err, "expected no error for config: %s", tc.name)

			assert.Equal(t, addr, config.ServerAddr, "expected server address to match")
			assert.Equal(t, dsn, config.DatabaseDSN, "expected database DSN to match")
			assert.Equal(t, orig, config.AllowedOrigins, "expected allowed origins to match")
			assert.NotEmpty(t, config.SigningKey, "expected signing key to be decoded and not empty")
			assert.Len(t, config.EncryptionKey, encryption.KeySize, "expected encryption key to be decoded")
			assert.Equal(t, 5, config.RateLimit.Burst, "expected default rate limit burst")
			assert.Equal(t, time.Second, config.RateLimit.Interval, "expected default rate limit interval")
		})
	}
}

func Test_decodeSigningKey(t *testing.T) {
	tcases := []struct {
		name         string
		base64Secret string
		expectedKey  []byte
		expectError  bool
	}{
		{
			name:         "valid base64 secret",
			base64Secret: "c29tZV9zZWNyZXQ=",
			expectedKey:  []byte("some_secret"),
			expectError:  false,
		},
		{
			name:         "invalid base64 secret",
			base64Secret: "invalid_base64",
			expectedKey:  nil,
			expectError:  true,
		},
		{
			name:         "empty base64 secret",
			base64Secret: "",
			expectedKey:  nil,
			expectError:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := decodeSigningSecret(tc.base64Secret)
			if tc.expectError {
				assert.Error(t, err, "expected error for base64 secret: %s", tc.base64Secret)
			} else {
				assert.NoError(t, err, "expected no error for base64 secret: %s", tc.base64Secret)
				assert.Equal(t, tc.expectedKey, key, "expected decoded key to match for base64 secret: %s", tc.base64Secret)
			}
		})
	}
}

func TestGetenvHelpers(t *testing.T) {
	t.Setenv("SC_TEST_STR", "value")
	t.Setenv("SC_TEST_INT", "12")
	t.Setenv("SC_TEST_BAD_INT", "-3")
	t.Setenv("SC_TEST_DUR", "250ms")

	assert.Equal(t, "value", Getenv("SC_TEST_STR", "default"))
	assert.Equal(t, "default", Getenv("SC_TEST_UNSET", "default"))
	assert.Equal(t, 12, GetenvInt("SC_TEST_INT", 5))
	assert.Equal(t, 5, GetenvInt("SC_TEST_BAD_INT", 5), "expected non-positive values to fall back")
	assert.Equal(t, 250*time.Millisecond, GetenvDuration("SC_TEST_DUR", time.Second))
	assert.Equal(t, time.Second, GetenvDuration("SC_TEST_UNSET", time.Second))
}

func TestSplitOrigins(t *testing.T) {
	assert.Nil(t, SplitOrigins(""))
	assert.Equal(t, []string{"http://a", "http://b"}, SplitOrigins(" http://a , http://b,"))
}
