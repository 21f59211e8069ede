package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/lucidgrid/basis/internal/config"
	"github.com/lucidgrid/basis/internal/database"
)

type result struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Error    string `json:"error,omitempty"`
}

// Container health probe: connects with the same configuration as the
// server and pings the database.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	out := result{Status: "healthy", Database: "ok"}

	db, err := database.Connect(cfg)
	if err != nil {
		out = result{Status: "unhealthy", Database: "error", Error: err.Error()}
	} else {
		defer database.Close(db)
		if sqlDB, err := db.DB(); err != nil {
			out = result{Status: "unhealthy", Database: "error", Error: err.Error()}
		} else if err := sqlDB.Ping(); err != nil {
			out = result{Status: "unhealthy", Database: "unreachable", Error: err.Error()}
		}
	}

	encoded, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(encoded))

	if out.Status != "healthy" {
		os.Exit(1)
	}
}
