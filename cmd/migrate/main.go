package main

import (
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/autoflow/backend/internal/database"
)

func main() {
	_ = godotenv.Load()

	dir := flag.String("dir", "migrations", "migrations directory")
	flag.Parse()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL must be set")
	}

	if err := database.ApplyMigrations(*dir, dbURL); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	log.Println("Migrations applied")
}
