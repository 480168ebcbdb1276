// Package app assembles the service graph shared by the API server and the
// operator CLI.
package app

import (
	"fmt"

	"catequiz.org/internal/ai"
	"catequiz.org/internal/auth"
	"catequiz.org/internal/config"
	"catequiz.org/internal/errlog"
	"catequiz.org/internal/events"
	"catequiz.org/internal/httpapi"
	"catequiz.org/internal/kv"
	"catequiz.org/internal/kv/badgerkv"
	"catequiz.org/internal/quiz"
	"catequiz.org/internal/ranking"
	"catequiz.org/internal/repair"
	"catequiz.org/internal/repo"
	"catequiz.org/internal/store/pg"
	"catequiz.org/internal/xp"
)

// OpenStore opens the backend named by cfg.Backend.
func OpenStore(cfg config.Storage) (kv.Store, error) {
	switch cfg.Backend {
	case "memory":
		return kv.NewMemory(), nil
	case "badger":
		bc := badgerkv.DefaultConfig(cfg.Badger.Path)
		bc.InMemory = cfg.Badger.InMemory
		bc.SyncWrites = cfg.Badger.SyncWrites
		bc.GCInterval = cfg.Badger.GCInterval
		s, err := badgerkv.Open(bc)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := pg.Open(cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// Build wires every service on top of store. The generator is optional;
// nil selects the one described by cfg.AI.
func Build(cfg config.Config, store kv.Store, gen ai.Generator) (httpapi.Deps, error) {
	loc, err := cfg.Location()
	if err != nil {
		return httpapi.Deps{}, err
	}
	issuer, err := auth.NewIssuer(auth.WithSecret(cfg.Auth.Secret), auth.WithTTL(cfg.Auth.TokenTTL))
	if err != nil {
		return httpapi.Deps{}, fmt.Errorf("token issuer: %w", err)
	}
	if gen == nil {
		gen = ai.New(ai.Config{
			APIKey:  cfg.AI.APIKey,
			Model:   cfg.AI.Model,
			BaseURL: cfg.AI.BaseURL,
			Timeout: cfg.AI.Timeout,
		})
	}

	repos := repo.New(store)
	ledger := xp.NewLedger(store, xp.WithLocation(loc))
	hub := events.NewHub()
	mgr := quiz.NewManager(repos, gen, ledger, quiz.WithValidity(cfg.Quiz.Validity), quiz.WithPublisher(hub))
	return httpapi.Deps{
		Repos:   repos,
		Auth:    auth.NewService(repos, issuer),
		Quiz:    mgr,
		Ledger:  ledger,
		Ranking: ranking.New(repos, ledger, mgr),
		Repair:  repair.New(repos),
		Errors:  errlog.New(store),
		Events:  hub,
	}, nil
}
