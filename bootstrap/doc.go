// Package bootstrap wires the session, lockout, detection and notification
// components together and owns their startup and shutdown order. It keeps
// main.go down to argument handling.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Shutdown()
//
//	if err := app.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	app.WaitForShutdown()
package bootstrap
