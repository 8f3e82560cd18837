// orfree-smoke exercises the gateway end to end against the live OpenRouter
// API: one questions generation with whatever credentials the environment
// provides. It is a deployment smoke check, not a test.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/meetframe/orfree"
	"github.com/meetframe/orfree/internal/observability"
)

func main() {
	// Best effort; production sets real environment variables instead.
	_ = godotenv.Load()

	opts, err := orfree.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := observability.NewLogger(observability.LoggerConfig{
		Level:  slog.LevelDebug,
		Output: os.Stderr,
	})
	opts = append(opts, orfree.WithLogger(logger))

	client, err := orfree.New(opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	gen, err := client.GenerateQuestions(ctx, orfree.Prompt{
		System: "You generate exactly three short clarifying questions about a message. Respond with JSON: {\"questions\": [\"q1\", \"q2\", \"q3\"]}",
		User:   "Message: \"I think we should push the launch by two weeks to get the onboarding flow right.\"",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "generation failed:", err)
		os.Exit(1)
	}

	if gen.IsRaw() {
		fmt.Println("raw fallback:")
		fmt.Println(gen.Raw)
		return
	}
	for i, q := range gen.Value.Questions {
		fmt.Printf("%d. %s\n", i+1, q)
	}
}
