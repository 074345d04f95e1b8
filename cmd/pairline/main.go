package main

import (
	"fmt"
	"os"

	"pairline/cmd/internal/app"

	"gopkg.in/alecthomas/kingpin.v2"
)

var version = "dev"

var (
	configFile    = kingpin.Flag("config.file", "Path to YAML configuration file (optional).").Default("").String()
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for signaling, stats and telemetry.").Default("").String()
	logLevel      = kingpin.Flag("log.level", "Log level: debug, info, warn, error.").Default("").String()
	logFormat     = kingpin.Flag("log.format", "Log format: json, text, pretty.").Default("").String()
	checkConfig   = kingpin.Flag("config.check", "Validate configuration and exit.").Bool()
)

func main() {
	kingpin.Version(version)
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	cfg, err := app.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pairline: %v\n", err)
		os.Exit(2)
	}

	// Flags win over file and environment.
	if *listenAddress != "" {
		cfg.HTTP.Addr = *listenAddress
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	if *checkConfig {
		if err := app.ValidateConfig(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "pairline: %v\n", err)
			os.Exit(2)
		}
		fmt.Println("config ok")
		return
	}

	if err := app.Run(cfg, version); err != nil {
		fmt.Fprintf(os.Stderr, "pairline: %v\n", err)
		os.Exit(1)
	}
}
