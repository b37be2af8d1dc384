package config

import (
	"flag"
	"io"

	"github.com/dmitrijs2005/fleetsession/internal/flagx"
)

var knownFlags = []string{"-a", "-g", "-d", "-t", "-b", "-l"}

// parseFlags overlays cfg with the short flags it knows about. Other
// arguments are left for the packages that own them.
//
//	-a string     backend base URL
//	-g string     gRPC backend address
//	-d string     data directory
//	-t duration   renewal threshold
//	-b string     bus transport (storage, redis, postgres, none)
//	-l string     log level
func parseFlags(cfg *Config, args []string) error {
	args = flagx.FilterArgs(args, knownFlags)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.ServerURL, "a", cfg.ServerURL, "backend base URL")
	fs.StringVar(&cfg.GRPCAddr, "g", cfg.GRPCAddr, "gRPC backend address")
	fs.StringVar(&cfg.DataDir, "d", cfg.DataDir, "data directory")
	fs.DurationVar(&cfg.RenewalThreshold, "t", cfg.RenewalThreshold, "renew this long before expiry")
	fs.StringVar(&cfg.BusTransport, "b", cfg.BusTransport, "bus transport")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")

	return fs.Parse(args)
}
