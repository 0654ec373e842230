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

// Development helper: drops the issuer's relational tables so the next
// migrate run starts from a clean slate. Never point this at production.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
)

func main() {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		url = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			getenv("DB_USER", "openauth"),
			os.Getenv("DB_PASSWORD"),
			getenv("DB_HOST", "localhost"),
			getenv("DB_PORT", "5432"),
			getenv("DB_NAME", "openauth"),
			getenv("DB_SSLMODE", "disable"),
		)
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(ctx)

	// Children before parents
	tables := []string{
		"user_roles",
		"role_permissions",
		"permissions",
		"roles",
		"user_identities",
		"credentials",
		"users",
		"oauth_clients",
	}

	for _, table := range tables {
		if _, err := conn.Exec(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE"); err != nil {
			fmt.Fprintf(os.Stderr, "failed to drop %s: %v\n", table, err)
			os.Exit(1)
		}
		fmt.Printf("dropped %s\n", table)
	}

	fmt.Println("database cleaned")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
