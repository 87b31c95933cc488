// Package background implements the long-lived background process: it accepts
// channels opened by content bridges, answers each check request with the
// tracker matcher's verdict, and installs the network rule that blocks image
// fetches through the mail provider's image proxy.
//
// Processing failures never close a channel. They are reported back to the
// requester as an error response carrying "Failed to process message".
//
// Basic usage:
//
//	svc := background.NewService(registry,
//	    background.WithRuleSet(rules),
//	    background.WithLogger(logger),
//	)
//	svc.OnInstalled(ctx)
//	hub.Listen(svc.Accept)
package background
