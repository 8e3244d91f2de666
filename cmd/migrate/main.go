// Command migrate manages the audit database schema.
//
// Usage:
//
//	migrate -dsn postgres://... [-dir migrations] up|down|status
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"

	"memvault.org/internal/migrate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run() error {
	dsn := flag.String("dsn", os.Getenv("MEMVAULT_POSTGRES_DSN"), "postgres connection string")
	dir := flag.String("dir", "migrations", "migrations directory")
	flag.Parse()

	if *dsn == "" {
		return fmt.Errorf("-dsn or MEMVAULT_POSTGRES_DSN is required")
	}
	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "up"
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	mgr := migrate.NewManager(db, *dir)

	switch cmd {
	case "up":
		return mgr.Up(ctx)
	case "down":
		return mgr.Down(ctx)
	case "status":
		applied, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Println("no migrations applied")
			return nil
		}
		for _, name := range applied {
			fmt.Println(name)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q (want up, down, or status)", cmd)
	}
}
