package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"peersync/internal/migrations"
	"peersync/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	dbPath := flag.String("db", "./data/history.db", "Path to the delivery history database")
	list := flag.Bool("list", false, "List embedded migrations without applying them")
	flag.Parse()

	if *list {
		all, err := migrations.Load()
		if err != nil {
			log.Fatalf("Failed to load migrations: %v", err)
		}
		for _, m := range all {
			fmt.Printf("%04d %s\n", m.Version, m.Name)
		}
		return
	}

	if err := security.ValidateStoragePath(*dbPath); err != nil {
		log.Fatalf("Invalid database path: %v", err)
	}
	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		log.Fatalf("Database file not found: %s", *dbPath)
	}

	db, err := sql.Open("sqlite3", *dbPath+"?_busy_timeout=5000")
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	applied, err := migrations.Apply(context.Background(), db)
	if err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}

	if applied == 0 {
		fmt.Println("Schema is up to date")
		return
	}
	fmt.Printf("Applied %d migration(s). You can now restart peersync.\n", applied)
}
