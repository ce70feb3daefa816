package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddr(t *testing.T) {
	cases := []struct {
		in   string
		host string
		port int
		ok   bool
	}{
		{"127.0.0.1:7121", "127.0.0.1", 7121, true},
		{"localhost:0", "localhost", 0, true},
		{"[::1]:6121", "::1", 6121, true},
		{"no-port", "", 0, false},
		{"host:notanumber", "", 0, false},
	}
	for _, tc := range cases {
		host, port, err := ParseAddr(tc.in)
		if !tc.ok {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.host, host, tc.in)
		assert.Equal(t, tc.port, port, tc.in)
	}
}

func TestAnnounceRejectsOutOfRangePort(t *testing.T) {
	for _, port := range []int{-1, 0, 70000} {
		_, err := Announce("test-relay", port)
		assert.Error(t, err, "port %d", port)
	}
}
