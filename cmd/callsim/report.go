package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/hubenschmidt/patient-followup/gateway/internal/audio"
	"github.com/hubenschmidt/patient-followup/gateway/internal/pipeline"
)

// loadSpeech returns the patient's answer as μ-law frames. Without a file it
// synthesizes a voiced tone loud enough to trip the gateway's VAD.
func loadSpeech(path string) ([][]byte, error) {
	var wav []byte
	if path == "" {
		wav = audio.SamplesToWAV(syntheticSpeech(1500), pipeline.TelephonyRate)
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read audio: %w", err)
		}
		wav = data
	}
	frames, err := pipeline.TelephonyFrames(wav)
	if err != nil {
		return nil, fmt.Errorf("convert audio: %w", err)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("audio %q is empty", path)
	}
	return frames, nil
}

// syntheticSpeech renders durMs of an amplitude-modulated 220 Hz tone at 8 kHz.
func syntheticSpeech(durMs int) []float32 {
	n := durMs * pipeline.TelephonyRate / 1000
	out := make([]float32, n)
	for i := range out {
		t := float64(i) / pipeline.TelephonyRate
		env := 0.6 + 0.4*math.Sin(2*math.Pi*3*t)
		out[i] = float32(0.5 * env * math.Sin(2*math.Pi*220*t))
	}
	return out
}

func printSummary(w io.Writer, results []callResult) {
	var succeeded, failed, sent, dups int
	var greeting, reply []float64

	for _, r := range results {
		sent += r.sent
		dups += r.duplicates
		if !r.success {
			failed++
			continue
		}
		succeeded++
		greeting = append(greeting, r.greetingMs)
		if r.replyMs > 0 {
			reply = append(reply, r.replyMs)
		}
	}

	fmt.Fprintf(w, "\n=== Call Sim Results ===\n")
	fmt.Fprintf(w, "Calls completed:   %d\n", succeeded)
	fmt.Fprintf(w, "Calls failed:      %d\n", failed)
	fmt.Fprintf(w, "Frames sent:       %d (%d redelivered)\n", sent, dups)

	if len(greeting) == 0 {
		fmt.Fprintln(w, "No successful calls to report latency")
		return
	}

	fmt.Fprintf(w, "\n%-9s %8s %8s %8s\n", "Stage", "p50", "p95", "p99")
	printRow(w, "Greeting", greeting)
	if len(reply) > 0 {
		printRow(w, "Reply", reply)
	}
}

func printRow(w io.Writer, name string, data []float64) {
	fmt.Fprintf(w, "%-9s %6.0fms %6.0fms %6.0fms\n", name, percentile(data, 50), percentile(data, 95), percentile(data, 99))
}

// percentile uses the nearest-rank method on a sorted copy of data.
func percentile(data []float64, pct float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := slices.Clone(data)
	slices.Sort(sorted)
	idx := int(math.Ceil(pct/100*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}
