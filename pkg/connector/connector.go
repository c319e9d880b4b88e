// Package connector is the boundary between the exporter core and the
// warehouse. The core only ever executes SQL, uploads finalized batch files
// to a stage, and closes the connection; everything else about the network
// protocol lives behind this interface.
package connector

import "context"

// Connector is the warehouse collaborator contract.
type Connector interface {
	// Execute runs a SQL statement and discards its result set.
	Execute(ctx context.Context, query string) error

	// Upload puts a local file under the given stage location
	// (stage plus path prefix) and returns the filename the warehouse
	// actually stored. The stored name wins over the requested one: the
	// warehouse is free to rename, typically by appending a compression
	// suffix.
	Upload(ctx context.Context, localPath, stageLocation string) (string, error)

	// Close releases the connection.
	Close() error
}
