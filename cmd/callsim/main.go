// Command callsim drives simulated Twilio media streams against the gateway
// and reports greeting and reply latency.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/patient-followup/gateway/internal/env"
)

type options struct {
	url            string
	consultationID string
	concurrency    int
	duration       time.Duration
	audioFile      string
	duplicateEvery int
	callTimeout    time.Duration
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:   "callsim",
		Short: "Simulate concurrent follow-up calls over the media-stream endpoint",
		Long: `Simulate concurrent follow-up calls.

Each simulated call connects to <url>/<consultation>, sends the connected and
start events, waits for the greeting, streams one spoken answer as 20 ms
μ-law frames followed by silence, and waits for the end-of-call mark.
Every --duplicate-every'th media event is delivered twice.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
			speech, err := loadSpeech(o.audioFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Call sim: %d concurrent callers for %s\n", o.concurrency, o.duration)
			fmt.Fprintf(cmd.OutOrStdout(), "Endpoint: %s/%s\n\n", o.url, o.consultationID)

			results := runLoad(o, speech)
			printSummary(cmd.OutOrStdout(), results)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.url, "url", env.Str("CALLSIM_URL", "ws://localhost:8000/twilio/stream"), "stream endpoint without the consultation id")
	f.StringVar(&o.consultationID, "consultation", "1", "consultation id to call about")
	f.IntVar(&o.concurrency, "concurrency", 10, "number of concurrent callers")
	f.DurationVar(&o.duration, "duration", 30*time.Second, "test duration")
	f.StringVar(&o.audioFile, "audio", "", "WAV file with the patient's answer (synthetic tone if empty)")
	f.IntVar(&o.duplicateEvery, "duplicate-every", 10, "redeliver every Nth media event (0 disables)")
	f.DurationVar(&o.callTimeout, "call-timeout", 60*time.Second, "give up on a call after this long")
	return cmd
}

func runLoad(o options, speech [][]byte) []callResult {
	var (
		mu      sync.Mutex
		results []callResult
		wg      sync.WaitGroup
	)
	deadline := time.Now().Add(o.duration)

	for range o.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				r := runCall(o, speech)
				if r.err != "" {
					slog.Warn("call failed", "error", r.err)
				}
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return results
}
