package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"xwatch/internal/ledger"
	"xwatch/internal/subs"
	"xwatch/migrations"
)

func main() {
	dbPath := flag.String("db", envOrDefault("DATABASE_PATH", "./data/ledger.db"), "path to sqlite database")
	subsPath := flag.String("subs", envOrDefault("SUBSCRIPTIONS_PATH", "./data/subscriptions.json"), "path to subscriptions file")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-db path] [-subs path] <command>")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr, "  up             Migrate to the latest version")
		fmt.Fprintln(os.Stderr, "  up-one         Migrate one version up")
		fmt.Fprintln(os.Stderr, "  down           Roll back one version")
		fmt.Fprintln(os.Stderr, "  status         Show migration status")
		fmt.Fprintln(os.Stderr, "  version        Show current version")
		fmt.Fprintln(os.Stderr, "  reset          Roll back all migrations")
		fmt.Fprintln(os.Stderr, "  import-legacy  Import legacy last_tweet_id values as account cursors")
		os.Exit(1)
	}

	cmd := args[0]
	if cmd == "import-legacy" {
		importLegacy(*dbPath, *subsPath)
		return
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		log.Fatalf("set dialect: %v", err)
	}

	switch cmd {
	case "up":
		err = goose.Up(db, ".")
	case "up-one":
		err = goose.UpByOne(db, ".")
	case "down":
		err = goose.Down(db, ".")
	case "status":
		err = goose.Status(db, ".")
	case "version":
		err = goose.Version(db, ".")
	case "reset":
		err = goose.Reset(db, ".")
	default:
		log.Fatalf("unknown command: %s", cmd)
	}

	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

// importLegacy seeds account cursors from the legacy per-subscription
// last_tweet_id fields. Idempotent: seeding never lowers a cursor.
func importLegacy(dbPath, subsPath string) {
	store, err := subs.Open(subsPath, 60, 60)
	if err != nil {
		log.Fatalf("open subscriptions: %v", err)
	}

	seeds := store.LegacyCursorSeeds()
	if len(seeds) == 0 {
		fmt.Println("no legacy cursors to import")
		return
	}

	led, err := ledger.NewSQLite(dbPath, ledger.DefaultCapacity)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer func() { _ = led.Close() }()

	if err := led.ImportLegacyCursors(context.Background(), seeds); err != nil {
		log.Fatalf("import legacy cursors: %v", err)
	}
	fmt.Printf("imported cursors for %d account(s)\n", len(seeds))
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
