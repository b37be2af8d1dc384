// Package config loads runtime configuration for the fleetsession CLI.
//
// # Sources and precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected with -c or -config.
//  3. Environment variables prefixed FLEETSESSION_, after loading an
//     optional .env file from the working directory.
//  4. Command-line flags, which override everything else.
//
// # JSON schema
//
// Durations are timex.Duration, so values may be strings like "5m" or
// integer nanoseconds:
//
//	{
//	  "server_url": "https://fleet.example.com",
//	  "data_dir": "/var/lib/fleetsession",
//	  "bus_transport": "redis",
//	  "redis_addr": "127.0.0.1:6379",
//	  "renewal_threshold": "5m"
//	}
package config
