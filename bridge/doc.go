// Package bridge implements the content bridge: the context injected next to
// the page that relays check requests from the window onto a duplex channel
// to the background process, and relays the answers back into the window.
//
// The bridge owns exactly one channel. When the channel fails to open or
// closes, it reconnects with a linear backoff (1s, 2s, 3s by default) and
// gives up for good once the attempts are used up:
//
//	Disconnected -> Connecting -> Connected -> (error | remote close) -> Disconnected
//	                                   ... attempts exhausted -> Abandoned
//
// Requests arriving while no channel is open are dropped; the page
// messenger's own timeout is the only recovery for them.
//
// Basic usage:
//
//	b := bridge.New(win, dialer, bridge.WithLogger(logger))
//	if err := b.Start(ctx); err != nil {
//	    return err
//	}
//	defer b.Close()
package bridge
