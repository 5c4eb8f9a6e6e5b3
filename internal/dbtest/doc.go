/*
Package dbtest runs throwaway database containers for integration tests.

Tests that need a standard Neo4j and do not care how it is deployed call
SetupNeo4j. Tests that depend on a particular deployment detail should use the
testcontainers-go modules directly instead.

To look at the database after a failed test, keep its container running:

	go test ./neo4jengine -dbtest.inspect

This package is for tests only.
*/
package dbtest
