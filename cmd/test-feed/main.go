// Command test-feed is a manual test for the release feed and the signing
// API. It prints what the device would do with the current answers.
//
// Usage:
//
//	go run ./cmd/test-feed [--owner o --repo r --asset a] [--current 1.0.0]
//	go run ./cmd/test-feed --url https://host/api/v2/files/pending --token T --user U
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/chaz8081/firminia/internal/api"
	"github.com/chaz8081/firminia/internal/devconfig"
)

func main() {
	owner := flag.String("owner", "askmesuite", "release feed owner")
	repo := flag.String("repo", "firminia", "release feed repository")
	asset := flag.String("asset", "firminia.bin", "firmware asset name")
	current := flag.String("current", "0.0.0", "version to compare against")
	url := flag.String("url", "", "pending endpoint to poll (skips the poll when empty)")
	token := flag.String("token", "", "API token for the pending endpoint")
	user := flag.String("user", "", "user for the pending endpoint")
	flag.Parse()

	client := api.NewClient(api.Options{Owner: *owner, Repo: *repo, Asset: *asset})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("Checking %s/%s for a release newer than %s...\n", *owner, *repo, *current)
	d, err := client.CheckForUpdate(ctx, *current)
	switch {
	case errors.Is(err, api.ErrNotFound):
		fmt.Println("No update available.")
	case err != nil:
		fmt.Printf("Error: %v\n", err)
	default:
		fmt.Printf("Update %s: %s (%d bytes)\n", d.Version, d.URL, d.Size)
		if d.SignatureURL != "" {
			fmt.Printf("  signature: %s\n", d.SignatureURL)
		}
		if d.ChecksumURL != "" {
			fmt.Printf("  checksum:  %s\n", d.ChecksumURL)
		}
	}

	if *url == "" {
		return
	}

	cfg := devconfig.Default()
	cfg.URL = *url
	cfg.Token = *token
	cfg.User = *user
	fmt.Printf("\nPolling %s...\n", *url)
	res := client.CheckPendingCount(ctx, cfg)
	if !res.Ok() {
		fmt.Printf("Error: %s\n", res.Err)
		return
	}
	fmt.Printf("%d pending\n", res.Count)
}
