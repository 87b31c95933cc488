// Package interceptors wraps the processing of check requests in the
// background process.
//
// An Interceptor sees every request before the final handler and every
// response or error after it. Interceptors run in the order they are added to
// the Chain, the first one added being the outermost:
//
//	chain := interceptors.NewChain(
//		interceptors.NewRecoveryInterceptor(logger),
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewMetricsInterceptor(stats),
//		interceptors.NewCachingInterceptor(cache),
//	)
//	reply, err := chain.Execute(ctx, req, finalHandler)
//
// A handler may answer without calling next: the caching interceptor does so
// on a cache hit.
package interceptors
