// Package bootstrap wires the warden service: logger, configuration, Redis state store,
// SQLite storage, NATS delivery and notifications, the detection pipeline and the ops
// HTTP endpoint.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx, "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Shutdown()
//
//	if err := app.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Wait for shutdown signal
//	app.WaitForShutdown()
package bootstrap
