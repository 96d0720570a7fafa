package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentmesh/internal/bus"
	"github.com/nextlevelbuilder/agentmesh/internal/config"
	"github.com/nextlevelbuilder/agentmesh/internal/observe"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and connectivity",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	failed := false
	check := func(name string, err error) {
		if err != nil {
			failed = true
			fmt.Printf("  FAIL  %s: %v\n", name, err)
			return
		}
		fmt.Printf("  ok    %s\n", name)
	}

	path := resolveConfigPath()
	if path == "" {
		fmt.Println("  ok    config: using defaults (no config file)")
	}
	cfg, err := config.Load(path)
	if path != "" {
		check("config "+path, err)
	}
	if err != nil {
		os.Exit(1)
	}

	b, err := bus.NewRedisBus(bus.RedisOptions{URL: cfg.Redis.URL, StreamMaxLen: cfg.Redis.StreamMaxLen})
	check("redis "+cfg.Redis.URL, err)
	if err == nil {
		b.Close()
	}

	if cfg.Observe.DBPath != "" {
		index, err := observe.Open(cfg.Observe.DBPath)
		check("observer index "+cfg.Observe.DBPath, err)
		if err == nil {
			index.Close()
		}
	}

	switch cfg.Runner.Kind {
	case "", "demo":
		fmt.Println("  ok    runner: demo")
	case "provider":
		if cfg.Runner.APIKey == "" {
			failed = true
			fmt.Println("  FAIL  runner: provider selected but AGENTMESH_API_KEY is unset")
		} else {
			fmt.Println("  ok    runner: provider")
		}
	default:
		failed = true
		fmt.Printf("  FAIL  runner: unknown kind %q\n", cfg.Runner.Kind)
	}

	if failed {
		os.Exit(1)
	}
}
