package eventexport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownCompression(t *testing.T) {
	_, err := New(nil, Config{Brokers: []string{"localhost:9092"}, Topic: "t", Compression: "zstd-xyz"}, nil)
	require.Error(t, err)
}

func TestNewAcceptsKnownCompressionCodecs(t *testing.T) {
	for _, c := range []string{"", "none", "gzip", "snappy", "lz4"} {
		a, err := New(nil, Config{Brokers: []string{"localhost:9092"}, Topic: "t", Compression: c}, nil)
		require.NoErrorf(t, err, "compression %q", c)
		assert.NotEmpty(t, a.Self().Actor, "compression %q", c)
	}
}
