// Package handlers contains health checking for the HTTP probes.
//
// The CompositeHealthChecker runs registered checks in parallel. Critical
// checks (the database) decide readiness; optional checks (the dashboard
// cache) only mark the service as degraded, since every read falls back to
// the database:
//
//	checker := handlers.NewCompositeHealthChecker("v1.0.0")
//	checker.AddCheck("database", handlers.NewPingCheck(db))
//	checker.AddOptionalCheck("redis", handlers.NewPingCheck(cache))
//
//	status := checker.Check(ctx)
//	if !status.Ready {
//	    log.Printf("not ready: %s", status.Message)
//	}
package handlers
