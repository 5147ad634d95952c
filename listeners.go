package schematic

import "github.com/schematichq/schematic-client-go/sdktypes"

// Listener registration. Each method returns a function that removes exactly
// the listener it registered; removing twice is a no-op. Listeners run
// synchronously on the goroutine that produced the change, and a panic in
// one listener does not affect the others.

// AddFlagValueListener calls fn with the new value whenever the named flag's
// value changes for the current context.
func (c *Client) AddFlagValueListener(flagKey string, fn func(value bool)) func() {
	return c.flagValueListeners.Add(flagKey, fn)
}

// AddFlagValueNotificationListener is AddFlagValueListener for callbacks that
// only care that the value changed, not what it is.
func (c *Client) AddFlagValueNotificationListener(flagKey string, fn func()) func() {
	return c.flagValueListeners.AddNotify(flagKey, fn)
}

// AddFlagCheckListener calls fn with the full result every time a new check
// result for the named flag arrives for the current context, whether or not
// the value changed.
func (c *Client) AddFlagCheckListener(flagKey string, fn func(ret sdktypes.CheckFlagReturn)) func() {
	return c.flagCheckListeners.Add(flagKey, fn)
}

// AddFlagCheckNotificationListener is AddFlagCheckListener without the
// result payload.
func (c *Client) AddFlagCheckNotificationListener(flagKey string, fn func()) func() {
	return c.flagCheckListeners.AddNotify(flagKey, fn)
}

// AddPendingListener calls fn whenever the client enters or leaves the
// pending state around a context change.
func (c *Client) AddPendingListener(fn func(pending bool)) func() {
	return c.pendingListeners.Add(fn)
}
