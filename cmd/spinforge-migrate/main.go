package main

import (
	"database/sql"
	"flag"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/spinforge/spinforge/migrations"
)

var (
	databaseURL = flag.String("database-url", os.Getenv("SPINFORGE_DATABASE_URL"), "Postgres connection URL")
	command     = flag.String("command", "up", "Migration command (up, down, status, version)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if *databaseURL == "" {
		log.Fatal("database URL is required (flag -database-url or SPINFORGE_DATABASE_URL)")
	}

	db, err := sql.Open("pgx", *databaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("Failed to set dialect: %v", err)
	}

	switch *command {
	case "up":
		err = goose.Up(db, ".")
	case "down":
		err = goose.Down(db, ".")
	case "status":
		err = goose.Status(db, ".")
	case "version":
		err = goose.Version(db, ".")
	default:
		log.Fatalf("Unknown command %q", *command)
	}
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}
