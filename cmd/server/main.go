// Package main implements the entry point for the dispatchd server,
// which accepts background tasks over HTTP and executes them with
// bounded concurrency, retries, and crash recovery.
package main

import (
	"log"
)

// main loads configuration, wires the application components, and runs
// the HTTP server until a shutdown signal arrives.
func main() {
	app, err := initializeApp()
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	if err := app.run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
