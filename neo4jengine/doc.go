// Package neo4jengine stores provenance documents in a Neo4j graph database.
//
// Every PROV node becomes a Neo4j node labelled by its kind (Entity, Activity
// or Agent) and keyed by its qualified name, and every PROV relation becomes a
// typed relationship between them. Writes are idempotent: pushing the same
// document twice leaves the graph unchanged, so the Store is safe to use behind
// an at-least-once delivery.
//
// Call BootstrapDatabase once before writing to a fresh database.
package neo4jengine
