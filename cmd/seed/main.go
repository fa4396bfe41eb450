package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"attendsync/internal/app"
	"attendsync/internal/auth"
	"attendsync/internal/catalog"
	"attendsync/internal/config"
	"attendsync/internal/logging"
)

// tokenFlag collects -token role:user_id[:student_id] values.
type tokenFlag []tokenSpec

type tokenSpec struct {
	role      auth.Role
	userID    int64
	studentID int64
}

func (f *tokenFlag) String() string { return fmt.Sprint(len(*f)) }

func (f *tokenFlag) Set(v string) error {
	parts := strings.Split(v, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return fmt.Errorf("want role:user_id[:student_id], got %q", v)
	}
	spec := tokenSpec{role: auth.Role(parts[0])}
	var err error
	if spec.userID, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	if len(parts) == 3 {
		if spec.studentID, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
			return fmt.Errorf("student id: %w", err)
		}
	}
	*f = append(*f, spec)
	return nil
}

// Seed loads a catalog fixture and optionally prints bearer tokens for local
// testing.
func main() {
	file := flag.String("file", "cmd/seed/fixtures.example.yaml", "catalog fixture (YAML)")
	var tokens tokenFlag
	flag.Var(&tokens, "token", "issue a token, role:user_id[:student_id] (repeatable)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	if cfg.StoreBackend == "memory" {
		logger.Warn("memory store selected; the seeded catalog is discarded on exit")
	}

	if err := seed(context.Background(), cfg, logger, *file); err != nil {
		logger.Fatal("seed failed", zap.Error(err))
	}

	issuer := auth.Issuer{
		Name:       cfg.JWTIssuer,
		Key:        []byte(cfg.JWTSigningKey),
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	}
	for _, t := range tokens {
		pair, err := issuer.Issue(t.userID, t.role, t.studentID)
		if err != nil {
			logger.Fatal("issue token", zap.String("role", string(t.role)), zap.Error(err))
		}
		fmt.Printf("%s %d\t%s\n", t.role, t.userID, pair.AccessToken)
	}
}

func seed(ctx context.Context, cfg config.App, logger *zap.Logger, path string) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	fixture, err := catalog.DecodeFixture(fh)
	if err != nil {
		return err
	}

	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	n, err := fixture.Apply(ctx, app.NewServices(cfg, backends, logger, nil).Registry)
	if err != nil {
		return fmt.Errorf("after %d entities: %w", n, err)
	}
	logger.Info("catalog seeded", zap.String("file", path), zap.Int("entities", n))
	return nil
}
