// Package testdb provides utilities for database integration tests.
//
// Tests using it are guarded by the integration build tag and are skipped
// unless a database URL is configured:
//
//	CONDUCTOR_TEST_DB_URL=postgres://... go test -tags=integration ./...
//
// GetTestDBWithT opens the database and applies the migrations; WithTx runs a test
// inside a transaction that is always rolled back, so tests can run in
// parallel against one database.
package testdb
