// Command test-button is a manual test for button gesture classification.
// Hold the key combo (or the GPIO button) and watch the gestures print.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-button [--source keyboard|gpio] [--pin GPIO17] [--keys ctrl,shift,b]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/firminia/internal/button"
)

func main() {
	source := flag.String("source", "keyboard", "button source: keyboard or gpio")
	pin := flag.String("pin", "GPIO17", "GPIO pin name for the gpio source")
	keys := flag.String("keys", "ctrl,shift,b", "comma-separated key combo for the keyboard source")
	flag.Parse()

	var input button.Input
	switch *source {
	case "gpio":
		in, err := button.OpenGPIO(*pin)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		input = in
		fmt.Printf("Watching %s...\n", *pin)
	default:
		combo := strings.Split(*keys, ",")
		in := button.NewKeyboardInput(combo)
		go in.Start()
		defer in.Stop()
		input = in
		fmt.Printf("Watching %s...\n", strings.Join(combo, "+"))
	}
	fmt.Println("Tap, hold 1s (long), 5s (OTA) or 10s (reset). Press Ctrl+C to exit.")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := button.NewClassifier(input, nil, button.DefaultThresholds())
	for ctx.Err() == nil {
		edge := c.WatchEdge(ctx)
		switch edge.Edge {
		case button.EdgeShort:
			fmt.Println(">>> short press")
		case button.EdgeLong:
			g := c.Classify(ctx, edge.At, nil, func() {
				fmt.Println("    OTA threshold reached, release to trigger")
			})
			fmt.Printf(">>> %s\n", g)
		}
	}
	fmt.Println("\nDone.")
}
