// Command reset-indexer-state is an operator CLI that deletes one
// indexer's persisted state record so its lifecycle manager
// re-initializes from scratch on its next tick.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/near/historical-backfiller/internal/statestore"
)

func main() {
	var account, function string
	flag.StringVar(&account, "account", "", "indexer account_id")
	flag.StringVar(&function, "function", "", "indexer function_name")
	flag.Parse()

	if account == "" || function == "" {
		log.Fatal("both -account and -function are required")
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		log.Fatal("REDIS_URL is required")
	}

	store, err := statestore.New(redisURL)
	if err != nil {
		log.Fatalf("Failed to connect to state store: %v", err)
	}

	fullName := account + "/" + function

	if err := store.DeleteState(account, function); err != nil {
		log.Fatalf("Failed to delete state for %s: %v", fullName, err)
	}

	log.Printf("Reset state for %s. Its lifecycle manager will re-initialize from Initializing on its next tick.", fullName)
}
