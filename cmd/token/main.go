// Command token mints an identity token for a (user, room) pair, for local
// testing against a running broker. The session layer that normally mints
// tokens must use the same HMAC secret.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aeolun/comms/pkg/database"
	"github.com/aeolun/comms/pkg/server"
)

func main() {
	dbPath := flag.String("db", "", "Path to SQLite database (required)")
	username := flag.String("user", "", "Username to mint a token for (created if new)")
	roomCode := flag.String("room", "", "Room code the token authorizes")
	secret := flag.String("secret", os.Getenv("COMMS_AUTH_TOKEN_SECRET"), "HMAC token secret")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	if *dbPath == "" || *username == "" || *roomCode == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *secret == "" {
		log.Fatal("No secret given; pass -secret or set COMMS_AUTH_TOKEN_SECRET")
	}

	store, err := database.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	user, err := store.FindOrCreateUser(*username)
	if err != nil {
		log.Fatalf("Failed to resolve user: %v", err)
	}

	token, err := server.MintToken([]byte(*secret), user.ID, user.Username, *roomCode, *ttl)
	if err != nil {
		log.Fatalf("Failed to mint token: %v", err)
	}

	fmt.Printf("user_id: %d\n", user.ID)
	fmt.Printf("token:   %s\n", token)
	fmt.Printf("connect: ws://localhost:8080/ws?token=%s\n", token)
}
