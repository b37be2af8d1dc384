// Package cli provides the interactive fleetsession command-line client.
//
// NewApp wires configuration, the encrypted credential store, the
// cross-process event bus, the session manager and the request pipeline.
// Several CLI processes pointed at the same data directory share one
// session: a login, renewal or logout in one is picked up by the others.
//
// Key features:
//   - Login / Logout / Whoami / Info / Renew
//   - Authenticated get, post, put, patch and delete calls
//   - Raw calls through an oauth2 HTTP client over the session
//   - Backend ping and a background connectivity watcher
//   - Watching session events from sibling processes
//
// The REPL is started via App.Run(ctx), which blocks until the user exits.
package cli
