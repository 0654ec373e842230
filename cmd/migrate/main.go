// Copyright 2026 The OpenAuth Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Applies the embedded relational schema. Connection settings come from the
// DB_* environment variables used by the server.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/meywd/openauth-sub002/internal/store/postgres"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := postgres.New(ctx, postgres.Config{
		Host:         getenv("DB_HOST", "localhost"),
		Port:         getenv("DB_PORT", "5432"),
		User:         getenv("DB_USER", "openauth"),
		Password:     os.Getenv("DB_PASSWORD"),
		Database:     getenv("DB_NAME", "openauth"),
		SSLMode:      getenv("DB_SSLMODE", "disable"),
		MaxOpenConns: intenv("DB_MAX_OPEN_CONNS", 2),
		MaxIdleConns: 1,
	})
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer db.Close()

	fmt.Println("applying initial schema...")
	if err := db.Migrate(ctx, postgres.InitialSchema); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	fmt.Println("migration complete")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intenv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
