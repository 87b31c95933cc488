package interceptors

import "context"

type contextKey string

const channelKey contextKey = "uglyemail:channel"

// WithChannel records the name of the channel a request arrived on
func WithChannel(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, channelKey, name)
}

// Channel returns the channel name recorded by WithChannel
func Channel(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(channelKey).(string)
	return name, ok
}
