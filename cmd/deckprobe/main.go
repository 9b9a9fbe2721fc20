// deckprobe runs a one-shot diagnosis of a single share link from the
// command line: a latency probe against the endpoint, then a download speed
// test through a disposable local proxy. Useful for checking a server
// without bringing up the full deck.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"proxydeck/internal/core/probe"
	"proxydeck/internal/core/speedtest"
	"proxydeck/internal/shared/logger"
	"proxydeck/internal/shared/types"
)

type noTrash struct{}

func (noTrash) IsRemoved(string) bool { return false }

func main() {
	link := flag.String("link", "", "Share link to test (socks5://host:port#Remarks or http://...)")
	speedURL := flag.String("url", "", "Download URL for the speed test (default: built-in)")
	port := flag.Int("port", 0, "Local port for the disposable test proxy (default: built-in)")
	timeoutMs := flag.Int("timeout", 0, "Speed test deadline in milliseconds (default: built-in)")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	if *link == "" {
		fmt.Fprintln(os.Stderr, "Usage: deckprobe -link socks5://host:port#Remarks [-url ...] [-port ...] [-timeout ...]")
		os.Exit(2)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	if err := logger.Init(types.LogConf{Level: level}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	profile, err := types.ParseShareLink(*link)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad share link: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("Profile:  %s (%s %s:%d)\n", profile.Remarks, profile.Type, profile.Address, profile.Port)

	sink := types.OutcomeFunc(func(out types.DiagOutcome) {
		value := out.Profile.EnsureExtras().Get(string(out.Field))
		switch out.Field {
		case types.FieldLatency:
			fmt.Printf("Latency:  %s\n", value)
		case types.FieldSpeed:
			fmt.Printf("Speed:    %s\r", value)
		}
	})

	prober := probe.NewProber(probe.NewICMPPinger(), noTrash{}, sink, nil, probe.Options{Workers: 1})
	prober.Submit(0, profile)
	prober.Wait()

	tester := speedtest.NewTester(noTrash{}, nil, sink, nil, speedtest.Options{
		Port:    *port,
		URL:     *speedURL,
		Timeout: time.Duration(*timeoutMs) * time.Millisecond,
	})
	tester.Run(0, profile)

	// The progressive samples end with a carriage return; land on the
	// final value before exiting.
	fmt.Printf("Speed:    %s\n", profile.EnsureExtras().Get(string(types.FieldSpeed)))
}
