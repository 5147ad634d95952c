package datasource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"github.com/schematichq/schematic-client-go/internal/endpoints"
	"github.com/schematichq/schematic-client-go/sdkcontext"
	"github.com/schematichq/schematic-client-go/sdktypes"

	"golang.org/x/exp/maps"
)

// Requestor performs one-shot flag checks against the REST endpoints. It is
// also the fallback path when the WebSocket transport fails mid-check.
type Requestor struct {
	httpClient *http.Client
	baseURI    string
	headers    http.Header
	loggers    ldlog.Loggers
}

// NewRequestor creates a REST requestor.
func NewRequestor(httpClient *http.Client, baseURI string, headers http.Header, loggers ldlog.Loggers) *Requestor {
	loggers.SetPrefix("Requestor:")
	return &Requestor{
		httpClient: httpClient,
		baseURI:    baseURI,
		headers:    headers,
		loggers:    loggers,
	}
}

// CheckFlag checks a single flag for the given context.
func (r *Requestor) CheckFlag(ctx context.Context, evalCtx sdkcontext.Context, flagKey string) (sdktypes.CheckFlagReturn, error) {
	body, err := r.makeRequest(ctx, endpoints.CheckFlagRequestPath(flagKey), evalCtx)
	if err != nil {
		return sdktypes.CheckFlagReturn{}, err
	}
	ret, err := sdktypes.ParseCheckFlagResponse(body)
	if err != nil {
		return sdktypes.CheckFlagReturn{}, malformedJSONError{err}
	}
	return ret, nil
}

// CheckFlags checks every flag visible to the given context.
func (r *Requestor) CheckFlags(ctx context.Context, evalCtx sdkcontext.Context) ([]sdktypes.CheckFlagReturn, error) {
	body, err := r.makeRequest(ctx, endpoints.CheckFlagsRequestPath, evalCtx)
	if err != nil {
		return nil, err
	}
	rets, err := sdktypes.ParseCheckFlagsResponse(body)
	if err != nil {
		return nil, malformedJSONError{err}
	}
	return rets, nil
}

type malformedJSONError struct {
	innerError error
}

func (e malformedJSONError) Error() string {
	return e.innerError.Error()
}

func (r *Requestor) makeRequest(ctx context.Context, resource string, evalCtx sdkcontext.Context) ([]byte, error) {
	w := jwriter.NewWriter()
	evalCtx.WriteToJSONWriter(&w)
	if w.Error() != nil { // COVERAGE: jwriter cannot fail on in-memory data
		return nil, w.Error()
	}

	uri := endpoints.AddPath(r.baseURI, resource)
	req, err := http.NewRequestWithContext(ctx, "POST", uri, bytes.NewReader(w.Bytes()))
	if err != nil {
		return nil, fmt.Errorf(
			"unable to create a flag check request; this is not a network problem, most likely a bad base URI: %w",
			err,
		)
	}
	if r.headers != nil {
		req.Header = maps.Clone(r.headers)
	}
	req.Header.Set("Content-Type", "application/json")

	if r.loggers.IsDebugEnabled() {
		r.loggers.Debugf("Checking flags at %s for context %s", uri, evalCtx.CanonicalString())
	}

	res, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}()

	if res.StatusCode != http.StatusOK {
		return nil, httpStatusError{
			Message: httpErrorDescription(res.StatusCode),
			Code:    res.StatusCode,
		}
	}
	return io.ReadAll(res.Body)
}
