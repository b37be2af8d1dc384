// Package client contains client-side plumbing shared by the CLI.
//
// # Overview
//
// The package provides:
//  1. Local persistence bootstrap (InitDatabase, RunMigrations): an SQLite
//     database with embedded goose migrations for the key/value metadata
//     and the storage bus transport.
//  2. A gRPC connection (GRPCClient) whose unary interceptor injects the
//     session credential as a bearer token, renews once and replays once
//     when the server answers Unauthenticated, and ends the session if the
//     replay is rejected too.
//
// # Error Handling
//
// gRPC status codes are mapped to sentinel errors that callers can match
// with errors.Is: ErrUnavailable, ErrUnauthorized.
package client
