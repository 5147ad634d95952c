package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/launchdarkly/go-test-helpers/v3/httphelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schematichq/schematic-client-go/sdkcontext"
)

const checkFlagResponse = `{
	"data": {
		"flag": "test-flag",
		"flag_id": "flag-1",
		"rule_id": "rule-1",
		"value": true,
		"reason": "matched rule",
		"company_id": "comp-1"
	}
}`

const checkFlagsResponse = `{
	"data": {
		"flags": [
			{"flag": "flag-a", "value": true, "reason": "matched rule"},
			{"flag": "flag-b", "value": false, "reason": "no rule matched"}
		]
	}
}`

func withRequestor(handler http.Handler, action func(*Requestor, <-chan httphelpers.HTTPRequestInfo)) {
	recorded, requestsCh := httphelpers.RecordingHandler(handler)
	httphelpers.WithServer(recorded, func(server *httptest.Server) {
		headers := make(http.Header)
		headers.Set("X-Schematic-Api-Key", "sdk-key")
		r := NewRequestor(http.DefaultClient, server.URL, headers, ldlog.NewDisabledLoggers())
		action(r, requestsCh)
	})
}

func requestorContext() sdkcontext.Context {
	return sdkcontext.Context{
		Company: map[string]string{"id": "comp-1"},
		User:    map[string]string{"id": "user-1"},
	}
}

func TestRequestorCheckFlag(t *testing.T) {
	handler := httphelpers.HandlerWithResponse(http.StatusOK, nil, []byte(checkFlagResponse))
	withRequestor(handler, func(r *Requestor, requestsCh <-chan httphelpers.HTTPRequestInfo) {
		ret, err := r.CheckFlag(context.Background(), requestorContext(), "test-flag")
		require.NoError(t, err)
		assert.Equal(t, "test-flag", ret.Flag)
		assert.True(t, ret.Value)
		assert.Equal(t, "matched rule", ret.Reason)
		assert.Equal(t, "flag-1", ret.FlagID)
		assert.Equal(t, "comp-1", ret.CompanyID)
		assert.Empty(t, ret.Error)

		req := <-requestsCh
		assert.Equal(t, "POST", req.Request.Method)
		assert.Equal(t, "/flags/test-flag/check", req.Request.URL.Path)
		assert.Equal(t, "sdk-key", req.Request.Header.Get("X-Schematic-Api-Key"))
		assert.Equal(t, "application/json", req.Request.Header.Get("Content-Type"))

		var body map[string]map[string]string
		require.NoError(t, json.Unmarshal(req.Body, &body))
		assert.Equal(t, map[string]string{"id": "comp-1"}, body["company"])
		assert.Equal(t, map[string]string{"id": "user-1"}, body["user"])
	})
}

func TestRequestorCheckFlags(t *testing.T) {
	handler := httphelpers.HandlerWithResponse(http.StatusOK, nil, []byte(checkFlagsResponse))
	withRequestor(handler, func(r *Requestor, requestsCh <-chan httphelpers.HTTPRequestInfo) {
		rets, err := r.CheckFlags(context.Background(), requestorContext())
		require.NoError(t, err)
		require.Len(t, rets, 2)
		assert.Equal(t, "flag-a", rets[0].Flag)
		assert.True(t, rets[0].Value)
		assert.Equal(t, "flag-b", rets[1].Flag)
		assert.False(t, rets[1].Value)

		req := <-requestsCh
		assert.Equal(t, "/flags/check", req.Request.URL.Path)
	})
}

func TestRequestorHTTPErrorStatus(t *testing.T) {
	for _, status := range []int{401, 500} {
		handler := httphelpers.HandlerWithStatus(status)
		withRequestor(handler, func(r *Requestor, requestsCh <-chan httphelpers.HTTPRequestInfo) {
			_, err := r.CheckFlag(context.Background(), requestorContext(), "test-flag")
			require.Error(t, err)
			var statusErr httpStatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, status, statusErr.Code)
		})
	}
}

func TestRequestorMalformedResponse(t *testing.T) {
	handler := httphelpers.HandlerWithResponse(http.StatusOK, nil, []byte(`{"data":`))
	withRequestor(handler, func(r *Requestor, requestsCh <-chan httphelpers.HTTPRequestInfo) {
		_, err := r.CheckFlag(context.Background(), requestorContext(), "test-flag")
		require.Error(t, err)
		var malformed malformedJSONError
		assert.ErrorAs(t, err, &malformed)
	})
}

func TestRequestorNetworkError(t *testing.T) {
	handler := httphelpers.HandlerWithStatus(http.StatusOK)
	var badURI string
	httphelpers.WithServer(handler, func(server *httptest.Server) {
		badURI = server.URL
	})
	// server is now stopped
	r := NewRequestor(http.DefaultClient, badURI, nil, ldlog.NewDisabledLoggers())
	_, err := r.CheckFlag(context.Background(), requestorContext(), "test-flag")
	require.Error(t, err)
	var statusErr httpStatusError
	assert.False(t, errors.As(err, &statusErr))
}
