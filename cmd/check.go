package cmd

import (
	"context"
	"fmt"

	"huddle.is/huddle/internal/brand"
	"huddle.is/huddle/internal/config"
)

// RunCheck validates the configuration file syntax and semantics.
func RunCheck(configFile string, verbose bool) error {
	if len(configFile) == 0 {
		return fmt.Errorf("usage: %s check [-v] <config-file>\nExample: %s check -v %s",
			brand.BinaryName, brand.BinaryName, brand.GetConfigPath())
	}

	cfg, err := config.LoadFile(context.Background(), configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	Printer.Printf("Configuration valid!\n")
	Printer.Printf("Listen: %s\n", cfg.Listen)
	Printer.Printf("Model: %s\n", cfg.Model)
	Printer.Printf("Product: %s\n", cfg.ProductID)
	Printer.Printf("Compression: %s\n", onOff(cfg.EnableCompression))
	if rl := cfg.RateLimit; rl != nil && rl.Enabled {
		Printer.Printf("Rate limit: %d/min (burst %d)\n", rl.PerMinute, rl.Burst)
	} else {
		Printer.Printf("Rate limit: off\n")
	}
	if au := cfg.Audit; au != nil && au.Enabled {
		Printer.Printf("Audit trail: %s (%d days)\n", cfg.AuditDatabasePath(), au.RetentionDays)
	} else {
		Printer.Printf("Audit trail: off\n")
	}

	if verbose {
		// The secret never reaches the terminal.
		clone := *cfg
		clone.AuthSecret = ""
		Printer.Println()
		Printer.Println("Normalized configuration (auth_secret omitted):")
		Printer.Printf("%s", config.GenerateHCL(&clone))
	}

	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
