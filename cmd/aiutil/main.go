package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"catequiz.org/internal/ai"
	"catequiz.org/internal/config"
	"catequiz.org/internal/domain"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "generate":
		runGenerate(os.Args[2:])
	case "normalize":
		runNormalize(os.Args[2:])
	default:
		usage()
	}
}

// runGenerate asks the configured model for one quiz worth of questions.
func runGenerate(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the YAML config")
	theme := fs.String("theme", "", "quiz theme")
	track := fs.String("track", string(domain.TrackAdult), "adulto or crianca")
	_ = fs.Parse(args)

	if *theme == "" || !domain.Track(*track).Valid() {
		fmt.Fprintln(os.Stderr, "generate needs -theme and a valid -track")
		os.Exit(2)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	gen, err := ai.NewOpenAI(ai.Config{APIKey: cfg.AI.APIKey, Model: cfg.AI.Model, BaseURL: cfg.AI.BaseURL, Timeout: cfg.AI.Timeout})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	start := time.Now()
	questions, err := gen.Generate(ctx, *theme, domain.Track(*track))
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(questions)
	fmt.Fprintf(os.Stderr, "generate: %d questions in %s\n", len(questions), time.Since(start).Round(time.Millisecond))
}

// runNormalize checks a saved model reply the way the server would.
func runNormalize(args []string) {
	if len(args) != 1 {
		usage()
	}
	var (
		raw []byte
		err error
	)
	if args[0] == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(args[0])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	questions, err := ai.Normalize(string(raw))
	if err != nil {
		fmt.Fprintf(os.Stderr, "normalize: FAIL: %v\n", err)
		os.Exit(1)
	}
	printJSON(questions)
	fmt.Fprintf(os.Stderr, "normalize: PASS (%d questions)\n", len(questions))
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s generate -theme <tema> [-track adulto|crianca] [-config file]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "       %s normalize <file|->\n", os.Args[0])
	os.Exit(1)
}
