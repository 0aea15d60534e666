// Package app wires the defence engine together and manages its lifecycle.
//
// # Initialization Flow
//
// NewApplication performs the startup sequence:
//
//  1. Validate the configuration and create the directories it writes to
//  2. Initialize OpenTelemetry, the engine instruments and the runtime sampler
//  3. Build the hash engine (digest combiner, obfuscation stack, rotation
//     controller, precompute cache and worker pools)
//  4. Open the license ledger: signing key, store and rate limiter
//  5. Build the threat classifier and monitor
//  6. Assemble the chi router and the HTTP server
//
// # Lifecycle
//
// Start launches the engine, the threat monitor loop and the HTTP server.
// Stop shuts them down in reverse order and closes the ledger store and
// telemetry providers, aggregating every failure. Run does both around
// SIGINT and SIGTERM:
//
//	a, err := app.NewApplication(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return a.Run(ctx)
//
// OpenLedger is exported for the command line tool, which manages licenses
// without starting the server.
package app
