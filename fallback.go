package schematic

import "github.com/schematichq/schematic-client-go/sdktypes"

// Reasons reported when a check did not get a server value.
const (
	reasonFallback    = "fallback value used"
	reasonFileDefault = "flag default value used"
	reasonNoValue     = "no value available"
	reasonError       = "error during flag check"
)

// resolveFallback produces a result when no server value can be obtained.
// Strict priority: the callsite fallback, then a configured check default,
// then a configured or file value default, then false. Whatever the source,
// the result's Flag field is the requested key. When the miss was caused by
// an error, the result carries it (and an error reason) so the flag check
// event records what happened.
func (c *Client) resolveFallback(params CheckFlagParams, cause error) sdktypes.CheckFlagReturn {
	var ret sdktypes.CheckFlagReturn
	if params.Fallback.IsDefined() {
		ret.Value = params.Fallback.BoolValue()
		ret.Reason = reasonFallback
	} else if def, ok := c.cfg.FlagCheckDefaults[params.Key]; ok {
		// the configured result keeps its own reason unless the check failed
		ret = def.Clone()
		if cause != nil {
			ret.Reason = reasonError
		}
	} else if v, ok := c.lookupValueDefault(params.Key); ok {
		ret.Value = v
		ret.Reason = reasonFileDefault
	} else {
		ret.Value = false
		ret.Reason = reasonNoValue
	}
	ret.Flag = params.Key
	if cause != nil {
		ret.Error = cause.Error()
		c.loggers.Warnf("Error checking flag %q; used %s (%t): %s", params.Key, ret.Reason, ret.Value, cause)
	}
	return ret
}

func (c *Client) lookupValueDefault(flagKey string) (bool, bool) {
	if v, ok := c.cfg.FlagValueDefaults[flagKey]; ok {
		return v, true
	}
	if c.flagDefaults == nil {
		return false, false
	}
	v, ok := c.flagDefaults.Defaults()[flagKey]
	return v, ok
}
