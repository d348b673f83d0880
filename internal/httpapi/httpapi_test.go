package httpapi

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icc.tech/capture-agent/internal/bus"
)

func newTestHandler() *Handler {
	return New(nil, bus.Dest{}, "/var/lib/capture-agent/protocols", "/var/lib/capture-agent/pdef-scratch", nil, nil)
}

func TestPathAllowedRejectsDotDot(t *testing.T) {
	h := newTestHandler()
	assert.False(t, h.pathAllowed("/var/lib/capture-agent/protocols/../../etc/passwd"))
}

func TestPathAllowedAcceptsConfiguredDir(t *testing.T) {
	h := newTestHandler()
	assert.True(t, h.pathAllowed("/var/lib/capture-agent/protocols/sip.pdef"))
}

func TestPathAllowedRejectsOutsideDirs(t *testing.T) {
	h := newTestHandler()
	assert.False(t, h.pathAllowed("/etc/passwd"))
}

func TestCaptureLookupParamsPrefersSID(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/capture/status?id=5&sid=abc", nil)
	_, sid, err := captureLookupParams(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", sid)
}

func TestCaptureLookupParamsMissingBoth(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/capture/status", nil)
	_, _, err := captureLookupParams(r)
	assert.Error(t, err)
}
