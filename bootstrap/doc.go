// Package bootstrap wires the alert feed together and owns its lifecycle.
//
// NewApp opens the configured event store, builds the fan-out hub, the
// watermark poller (with its optional Redis checkpoint), the optional Kafka
// relay, the pagination planner and the HTTP API. Start launches the
// background loops; Shutdown stops them in dependency order:
//
//	app, err := bootstrap.NewApp(ctx, "config.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := app.Start(ctx); err != nil {
//	    app.Shutdown()
//	    return err
//	}
//	app.WaitForShutdown()
//	app.Shutdown()
package bootstrap
