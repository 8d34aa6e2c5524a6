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

	"registry_watch/migrations"
)

var commands = []struct{ name, help string }{
	{"up", "Migrate to the latest version"},
	{"up-by-one", "Migrate one version up"},
	{"down", "Roll back one version"},
	{"redo", "Roll back and reapply the latest version"},
	{"status", "Show migration status"},
	{"version", "Show current version"},
	{"reset", "Roll back all migrations"},
}

func main() {
	dbPath := flag.String("db", envOrDefault("DATABASE_PATH", "./data/watch.db"), "path to sqlite database")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 || !known(args[0]) {
		usage()
		os.Exit(1)
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

	if err := goose.RunContext(context.Background(), args[0], db, ".", args[1:]...); err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
}

func known(cmd string) bool {
	for _, c := range commands {
		if c.name == cmd {
			return true
		}
	}
	return false
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [-db path] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-11s %s\n", c.name, c.help)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
