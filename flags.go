package main

import "flag"

var flagConfig = flag.String(
	"config",
	"",
	"path to a YAML run config. keys are validated against the embedded schema and override the defaults",
)

var flagEnvFile = flag.String(
	"env",
	"",
	"path to a .env file loaded before VILT_* environment overrides are applied",
)

var flagLogFile = flag.String(
	"log-file",
	"",
	"also write JSON logs to this file, rotated every 100 MiB",
)

var flagMetricsPort = flag.Int(
	"metrics-port",
	0,
	"serve prometheus training metrics on this port. 0 disables the endpoint",
)

var flagMySQLDSN = flag.String(
	"mysql-dsn",
	"",
	"record a summary of every finished run in this MySQL database",
)

var flagModelPlugin = flag.String(
	"model-plugin",
	"",
	"path to a Go plugin exporting NewModule, registered under the configured model name",
)

var flagProgress = flag.Bool(
	"progress",
	true,
	"draw a progress bar for every training epoch",
)
