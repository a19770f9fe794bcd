package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"census-climate/internal/config"
	"census-climate/pkg/database"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	dir := flag.String("dir", "migrations", "Directory holding NNN_name.{up,down}.sql files")
	flag.Parse()

	if *direction != "up" && *direction != "down" {
		fmt.Fprintf(os.Stderr, "Invalid direction %q: want up or down\n", *direction)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	dbConfig := &database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	}

	db, err := sqlx.Connect("postgres", dbConfig.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Println("Connected to database successfully")

	files, err := filepath.Glob(filepath.Join(*dir, "*."+*direction+".sql"))
	if err != nil || len(files) == 0 {
		fmt.Fprintf(os.Stderr, "No %s migrations found in %s\n", *direction, *dir)
		os.Exit(1)
	}
	sort.Strings(files)
	if *direction == "down" {
		sort.Sort(sort.Reverse(sort.StringSlice(files)))
	}

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read migration file: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Running migration: %s\n", file)

		tx, err := db.Beginx()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to begin transaction: %v\n", err)
			os.Exit(1)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			fmt.Fprintf(os.Stderr, "Failed to execute %s: %v\n", file, err)
			os.Exit(1)
		}
		if err := tx.Commit(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to commit %s: %v\n", file, err)
			os.Exit(1)
		}
	}

	fmt.Printf("Migration completed successfully (%d files)\n", len(files))
}
