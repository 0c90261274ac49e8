package bridged

// Version is the daemon version reported by test.ping and system.info.
// Overridden at link time via -ldflags "-X github.com/scriptbridge/bridged.Version=...".
var Version = "0.0.0-dev"
