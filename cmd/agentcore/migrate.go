package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcore/config"
	"github.com/BaSui01/agentcore/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// runMigrate 处理 migrate 子命令：up | down | status | version | force <v>
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	action := args[0]
	if action == "help" || action == "-h" || action == "--help" {
		printMigrateUsage()
		return
	}

	rest := args[1:]
	forceVersion := 0
	if action == "force" {
		if len(rest) < 1 {
			fmt.Fprintln(os.Stderr, "migrate force requires a version argument")
			os.Exit(1)
		}
		v, err := strconv.Atoi(rest[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid version %q: %v\n", rest[0], err)
			os.Exit(1)
		}
		forceVersion = v
		rest = rest[1:]
	}

	migrator, err := createMigrator(action, rest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := migration.NewCLI(migrator).Run(context.Background(), action, forceVersion); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// createMigrator 优先使用 --db-type/--db-url，否则从配置文件读取数据库配置
func createMigrator(action string, args []string) (*migration.DefaultMigrator, error) {
	fs := flag.NewFlagSet("migrate "+action, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	logger := zap.NewNop()
	if *dbType != "" && *dbURL != "" {
		return migration.NewMigratorFromURL(*dbType, *dbURL, logger)
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  agentcore migrate <subcommand> [options]

Subcommands:
  up          Apply all pending migrations
  down        Rollback the last migration
  status      Show migration status
  version     Show current migration version
  force <v>   Force set migration version (use with caution)

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  agentcore migrate up --config /etc/agentcore/config.yaml
  agentcore migrate status --db-type sqlite --db-url file:agentcore.db
  agentcore migrate force 1`)
}
