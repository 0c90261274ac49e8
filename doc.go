// Package bridged implements the script bridge daemon: a local unix-socket
// service that executes whitelisted capability calls (database, crypto,
// http, ftp, xmldom, lockfile) on behalf of legacy scripting clients.
//
// The wire protocol is deliberately primitive. A client connects to the
// socket, writes one JSON request, closes its write half, and reads one
// JSON response. Stateful resources created by a call (database
// connections, cipher contexts, FTP sessions, parsed documents, lock
// managers) live in a shared handle pool and are addressed by opaque
// identifiers in later calls; a background reaper evicts handles their
// client forgot to release.
//
// Typical embedding:
//
//	cfg := bridged.Config{SocketPath: "/tmp/bridged.sock"}
//	srv, stop, err := bridged.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
package bridged
