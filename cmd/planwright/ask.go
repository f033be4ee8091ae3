package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nugget/planwright/internal/config"
	"github.com/nugget/planwright/internal/invoke"
	"github.com/nugget/planwright/internal/orchestrator"
	"github.com/nugget/planwright/internal/router"
	"github.com/nugget/planwright/internal/store"
)

// askRef is the scratch task every ask cycle runs against.
var askRef = store.EntityRef{Kind: store.KindTask, ID: "ask"}

// runAsk runs a single chat cycle against an in-memory scratch task and
// prints the reply. Nothing is persisted; it exists for smoke testing a
// model configuration without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	logger := config.NewLogger(stderr, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	backends, err := buildBackend(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}

	st := store.NewMemoryStore()
	if _, err := st.PutEntity(ctx, store.Entity{
		Ref:    askRef,
		Fields: map[string]any{"title": "Ask", "status": "open"},
	}); err != nil {
		return err
	}

	rt := router.NewRouter(logger, router.Config{
		Policy:       router.Policy{MaxEntities: cfg.Router.MaxEntities, MaxTurns: cfg.Router.MaxTurns},
		EconomyModel: cfg.Models.Economy,
		CapableModel: cfg.Models.Capable,
	})
	inv := invoke.New(backends.backend, invoke.Config{ProviderFor: cfg.ProviderFor, Logger: logger})
	orch := orchestrator.New(st, rt, inv, orchestrator.Config{
		Sites:  orchestrator.DefaultCallSites(cfg.Windows),
		Logger: logger,
	})

	res, err := orch.SubmitUserTurn(ctx, askRef, []store.Part{{Text: strings.Join(args, " ")}})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		if res.Suggestions == nil {
			res.Suggestions = []orchestrator.PendingSuggestion{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Fprintln(stdout, res.DisplayText)
	for _, s := range res.Suggestions {
		if s.Room != "" {
			fmt.Fprintf(stdout, "  + suggested: %s (%s)\n", s.Title, s.Room)
		} else {
			fmt.Fprintf(stdout, "  + suggested: %s\n", s.Title)
		}
	}
	if len(res.PatchedFields) > 0 {
		fmt.Fprintf(stdout, "  ~ updated: %s\n", strings.Join(res.PatchedFields, ", "))
	}
	return nil
}
