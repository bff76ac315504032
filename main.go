package main

import (
	"flag"
	"os"

	"huddle.is/huddle/cmd"
	"huddle.is/huddle/internal/brand"
	"huddle.is/huddle/internal/i18n"
)

var printer = i18n.NewCLIPrinter()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serveFlags := flag.NewFlagSet("serve", flag.ExitOnError)
		configFile := serveFlags.String("config", "", "Configuration file")
		serveFlags.StringVar(configFile, "c", "", "Configuration file (short)")
		serveFlags.Parse(os.Args[2:])

		if err := cmd.RunServe(*configFile); err != nil {
			printer.Fprintf(os.Stderr, "Serve failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		configFile := brand.GetConfigPath()
		if len(checkFlags.Args()) > 0 {
			configFile = checkFlags.Arg(0)
		}
		if err := cmd.RunCheck(configFile, *verbose); err != nil {
			printer.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "version":
		printer.Printf("%s version %s\n", brand.Name, brand.Version)
		printer.Printf("Build: %s\n", brand.BuildTime)

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Commands:
  serve     Run the gateway daemon (foreground)
            Options: --config (-c) <file>
  check     Validate a configuration file
            Options: --verbose (-v)
  version   Print version information

Configuration is read from %s, with %s_* environment
variables (and PORT) layered on top. Without a config file the daemon
boots from the environment alone.

Examples:
  %s serve
  %s serve -c ./huddle.hcl
  %s check -v /etc/%s/%s
`,
		brand.Name, brand.Description,
		brand.BinaryName,
		brand.GetConfigPath(), brand.ConfigEnvPrefix,
		brand.BinaryName, brand.BinaryName, brand.BinaryName,
		brand.LowerName, brand.ConfigFileName)
}
