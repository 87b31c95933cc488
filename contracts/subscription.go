package contracts

import "sync"

// Subscription is the handle returned when registering an observer.
// Unsubscribe removes the observer; calling it more than once is a no-op.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a function to a Subscription
type SubscriptionFunc func()

// Unsubscribe calls f
func (f SubscriptionFunc) Unsubscribe() {
	f()
}

// OnceSubscription wraps fn so it runs at most once.
func OnceSubscription(fn func()) Subscription {
	var once sync.Once
	return SubscriptionFunc(func() { once.Do(fn) })
}
