package main

import (
	"database/sql"
	"flag"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/punchamoorthee/fxledger/internal/store"
)

func main() {
	flag.Parse()
	command := "up"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	dbURL := os.Getenv("DB_SOURCE")
	if dbURL == "" {
		log.Fatal("DB_SOURCE environment variable is required")
	}

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		log.Fatalf("Unable to open database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}

	goose.SetBaseFS(store.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("Goose: failed to set dialect: %v", err)
	}

	log.Printf("Running migrations: %s", command)
	if err := goose.Run(command, db, "migrations", flag.Args()[min(1, flag.NArg()):]...); err != nil {
		log.Fatalf("Goose %s failed: %v", command, err)
	}
	log.Println("Migrations completed successfully")
}
