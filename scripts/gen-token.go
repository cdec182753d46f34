package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// Generates an API token and its hash for provisioning a user row:
// store the hash in users.api_token_hash, hand the token to the client.
func main() {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	token := hex.EncodeToString(buf)
	hash := sha256.Sum256([]byte(token))

	fmt.Printf("token: %s\n", token)
	fmt.Printf("hash:  %s\n", hex.EncodeToString(hash[:]))
}
