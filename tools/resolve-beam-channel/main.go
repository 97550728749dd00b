package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/john/chatrelay/internal/beam"
)

type resolved struct {
	url      string
	meta     *beam.ChannelMeta
	endpoint string
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: resolve-beam-channel <channel or url> [channel2] ...")
		fmt.Println("\nExample:")
		fmt.Println("  resolve-beam-channel somechannel https://beam.pro/otherchannel")
		os.Exit(1)
	}

	baseURL := os.Getenv("CHATRELAY_BEAM_BASE_URL")
	if baseURL == "" {
		baseURL = beam.DefaultBaseURL
	}

	channels := os.Args[1:]
	fmt.Printf("Resolving %d beam channel(s)...\n\n", len(channels))

	var results []resolved
	var failures []string

	for _, channel := range channels {
		r, err := resolveChannel(baseURL, channel)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", channel, err))
			continue
		}
		results = append(results, r)
	}

	if len(results) > 0 {
		fmt.Println("✓ Successfully resolved:")
		fmt.Println("---")
		for _, r := range results {
			status := "offline"
			if r.meta.Online {
				status = fmt.Sprintf("online, %d viewers", r.meta.ViewersCurrent)
			}
			fmt.Printf("%s: id %s (%s)\n", r.meta.Token, r.meta.ID, status)
			fmt.Printf("  chat endpoint: %s\n", r.endpoint)
		}
		fmt.Println()
	}

	if len(failures) > 0 {
		fmt.Println("✗ Failed to resolve:")
		fmt.Println("---")
		for _, f := range failures {
			fmt.Println(f)
		}
		fmt.Println()
	}

	if len(results) > 0 {
		fmt.Println("Add this to your config.yaml:")
		fmt.Println("---")
		fmt.Println("beam:")
		fmt.Printf("  url: %s\n", results[0].url)
		fmt.Printf("  identify: %q\n", results[0].meta.ID.String())
	}

	if len(failures) > 0 {
		os.Exit(1)
	}
}

// resolveChannel accepts a bare channel name or a channel URL.
func resolveChannel(baseURL, channel string) (resolved, error) {
	channelURL := channel
	if !strings.Contains(channel, "://") {
		channelURL = strings.TrimRight(baseURL, "/") + "/" + channel
	}

	m, err := beam.New(nil, beam.Options{BaseURL: baseURL}, channelURL)
	if err != nil {
		return resolved{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	meta, err := m.Meta(ctx)
	if err != nil {
		return resolved{}, fmt.Errorf("channel lookup: %w", err)
	}
	endpoint, err := m.Sock(ctx, meta.ID)
	if err != nil {
		return resolved{}, fmt.Errorf("chat endpoint lookup: %w", err)
	}

	return resolved{url: channelURL, meta: meta, endpoint: endpoint}, nil
}
