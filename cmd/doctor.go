package cmd

import (
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/gofer/internal/auth"
	"github.com/nextlevelbuilder/gofer/internal/config"
	"github.com/nextlevelbuilder/gofer/internal/store/pg"
	"github.com/nextlevelbuilder/gofer/internal/store/sqlite"
	"github.com/nextlevelbuilder/gofer/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("gofer doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — run: gofer init)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Worker CLI
	fmt.Println()
	fmt.Println("  Worker:")
	checkBinary(cfg.Worker.Command)
	fmt.Printf("    %-12s %ds per call\n", "Timeout:", cfg.Worker.TimeoutSeconds)

	// Credentials are checked for presence only, in chain order. Marketplace
	// sits outside the chain; it authenticates the aggregator client.
	fmt.Println()
	fmt.Println("  Credentials:")
	chain := auth.FromConfig(cfg)
	checkCredential("OAuth", chain.Has(auth.MethodOAuth), "")
	checkCredential("API key", chain.Has(auth.MethodAPIKey), cfg.Auth.APIKey)
	checkCredential("Enterprise", chain.Has(auth.MethodEnterprise), cfg.Auth.Enterprise.Key)
	_, hasMarket := chain.Marketplace()
	checkCredential("Marketplace", hasMarket, cfg.Auth.MarketplaceKey)
	if chain.Len() == 0 {
		fmt.Println("    (no usable credentials; the worker CLI will run unauthenticated)")
	}

	// Run-log store
	fmt.Println()
	fmt.Println("  Store:")
	checkStore(cfg.Store.DSN)

	// Agent mode
	fmt.Println()
	fmt.Println("  Agent:")
	mode := "disabled"
	if cfg.Agent.Enabled {
		mode = "enabled"
	}
	fmt.Printf("    %-12s %s\n", "Mode:", mode)
	outDir := config.ExpandHome(cfg.Agent.OutputDir)
	fmt.Printf("    %-12s %s", "Output dir:", outDir)
	if _, err := os.Stat(outDir); err != nil {
		fmt.Println(" (will be created on first run)")
	} else {
		fmt.Println(" (OK)")
	}

	// Cache
	if cfg.Cache.Enabled {
		fmt.Println()
		fmt.Println("  Cache:")
		cachePath := config.ExpandHome(cfg.Cache.Path)
		fmt.Printf("    %-12s %s", "File:", cachePath)
		if _, err := os.Stat(cachePath); err != nil {
			fmt.Println(" (not written yet)")
		} else {
			fmt.Println(" (OK)")
		}
	}

	// External tools
	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("git")

	// Effective settings, secrets masked.
	fmt.Println()
	fmt.Println("  Effective config:")
	for _, line := range strings.Split(strings.TrimRight(cfg.Report(), "\n"), "\n") {
		fmt.Println("  " + line)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkCredential(name string, present bool, key string) {
	switch {
	case !present:
		fmt.Printf("    %-12s (not configured)\n", name+":")
	case key == "":
		fmt.Printf("    %-12s enabled\n", name+":")
	default:
		fmt.Printf("    %-12s %s\n", name+":", maskKey(key))
	}
}

func maskKey(key string) string {
	if len(key) < 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

// checkStore probes the run-log database without opening the real store:
// store.Open migrates on open, and a diagnostic must not mutate anything.
func checkStore(dsn string) {
	switch {
	case dsn == "":
		fmt.Printf("    %-12s (not set; run log disabled)\n", "DSN:")
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		fmt.Printf("    %-12s postgres\n", "Backend:")
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
			return
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
			return
		}
		fmt.Printf("    %-12s OK\n", "Status:")
		checkSchema(db, latestMigration(pg.Migrations))
	default:
		path := config.ExpandHome(dsn)
		fmt.Printf("    %-12s sqlite\n", "Backend:")
		fmt.Printf("    %-12s %s\n", "Path:", path)
		if _, err := os.Stat(path); err != nil {
			fmt.Printf("    %-12s NOT CREATED (run: gofer migrate up)\n", "Status:")
			return
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
			return
		}
		defer db.Close()
		fmt.Printf("    %-12s OK\n", "Status:")
		checkSchema(db, latestMigration(sqlite.Migrations))
	}
}

func checkSchema(db *sql.DB, required uint) {
	var version uint
	var dirty bool
	err := db.QueryRow("SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	if err != nil {
		// Missing table means a fresh database.
		fmt.Printf("    %-12s none (run: gofer migrate up)\n", "Schema:")
		return
	}
	switch {
	case dirty:
		fmt.Printf("    %-12s v%d (DIRTY — run: gofer migrate force %d)\n", "Schema:", version, version-1)
	case version == required:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", version)
	case version < required:
		fmt.Printf("    %-12s v%d (v%d available — run: gofer migrate up)\n", "Schema:", version, required)
	default:
		fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", version, required)
	}
}

// latestMigration parses the highest version number out of the embedded
// migration filenames.
func latestMigration(fsys fs.FS) uint {
	entries, err := fs.ReadDir(fsys, "migrations")
	if err != nil {
		return 0
	}
	var latest uint64
	for _, e := range entries {
		name := e.Name()
		i := strings.IndexByte(name, '_')
		if i < 0 {
			continue
		}
		if v, err := strconv.ParseUint(name[:i], 10, 32); err == nil && v > latest {
			latest = v
		}
	}
	return uint(latest)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
