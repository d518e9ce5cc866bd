package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		host    string
		port    int
		useTLS  bool
		wantErr bool
	}{
		{name: "https with rest port maps to grpc", in: "https://xyz.cloud.qdrant.io:6333", host: "xyz.cloud.qdrant.io", port: 6334, useTLS: true},
		{name: "http local", in: "http://localhost:6333", host: "localhost", port: 6334},
		{name: "explicit grpc port kept", in: "http://localhost:6334", host: "localhost", port: 6334},
		{name: "no port defaults to grpc", in: "http://qdrant", host: "qdrant", port: 6334},
		{name: "custom port kept", in: "https://q.internal:7000", host: "q.internal", port: 7000, useTLS: true},
		{name: "garbage", in: "://", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			host, port, useTLS, err := parseURL(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.host, host)
			assert.Equal(t, tc.port, port)
			assert.Equal(t, tc.useTLS, useTLS)
		})
	}
}
