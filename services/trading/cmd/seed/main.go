package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/config"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	fixturesPath := flag.String("fixtures", "", "fixtures yaml, defaults to the embedded desk fixtures")
	schemaPath := flag.String("schema", "", "optional SQL file applied before seeding")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if !cfg.App.IsLocal() {
		log.Fatalf("refusing to seed: env must be dev, local or test (got '%s')", cfg.App.Env)
	}

	fixtures, err := loadFixtures(*fixturesPath)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	if *schemaPath != "" {
		schema, err := os.ReadFile(*schemaPath)
		if err != nil {
			log.Fatalf("read schema: %v", err)
		}
		if _, err := pool.Exec(ctx, string(schema)); err != nil {
			log.Fatalf("apply schema: %v", err)
		}
		fmt.Println("✓ Schema applied")
	}

	fmt.Println("Seeding database...")

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		steps := []struct {
			name string
			fn   func(context.Context, pgx.Tx, *Fixtures) error
		}{
			{"settings", seedSettings},
			{"books", seedBooks},
			{"strategies", seedStrategies},
			{"venues", seedVenues},
			{"system health", seedHealth},
			{"user roles", seedUserRoles},
		}
		for _, step := range steps {
			if err := step.fn(ctx, tx, fixtures); err != nil {
				return fmt.Errorf("seed %s: %w", step.name, err)
			}
			fmt.Printf("✓ %s seeded\n", step.name)
		}
		return nil
	})
	if err != nil {
		log.Fatalf("%v", err)
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nUsers:")
	for _, u := range fixtures.Users {
		fmt.Printf("  %s  %s  %v\n", u.ID, u.Email, u.Roles)
	}
}

func seedSettings(ctx context.Context, tx pgx.Tx, f *Fixtures) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO global_settings (id, global_kill_switch, reduce_only_mode, paper_trading_mode, updated_at)
		VALUES (1, $1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET
			global_kill_switch = EXCLUDED.global_kill_switch,
			reduce_only_mode   = EXCLUDED.reduce_only_mode,
			paper_trading_mode = EXCLUDED.paper_trading_mode,
			updated_at         = now()
	`, f.Settings.GlobalKillSwitch, f.Settings.ReduceOnlyMode, f.Settings.PaperTradingMode)
	return err
}

func seedBooks(ctx context.Context, tx pgx.Tx, f *Fixtures) error {
	for _, b := range f.Books {
		_, err := tx.Exec(ctx, `
			INSERT INTO books (id, name, status, capital_allocated, current_exposure)
			VALUES ($1, $2, $3, $4, 0)
			ON CONFLICT (id) DO UPDATE SET
				name              = EXCLUDED.name,
				status            = EXCLUDED.status,
				capital_allocated = EXCLUDED.capital_allocated,
				updated_at        = now()
		`, b.ID, b.Name, string(b.Status), b.CapitalAllocated)
		if err != nil {
			return fmt.Errorf("book %s: %w", b.Name, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO risk_limits (book_id, max_leverage, max_daily_loss, max_concentration, max_drawdown_limit)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (book_id) DO UPDATE SET
				max_leverage       = EXCLUDED.max_leverage,
				max_daily_loss     = EXCLUDED.max_daily_loss,
				max_concentration  = EXCLUDED.max_concentration,
				max_drawdown_limit = EXCLUDED.max_drawdown_limit
		`, b.ID, b.Limits.MaxLeverage, b.Limits.MaxDailyLoss, b.Limits.MaxConcentration, b.Limits.MaxDrawdownLimit)
		if err != nil {
			return fmt.Errorf("risk limits %s: %w", b.Name, err)
		}
	}
	return nil
}

func seedStrategies(ctx context.Context, tx pgx.Tx, f *Fixtures) error {
	for _, s := range f.Strategies {
		var expires *time.Time
		if s.QuarantineExpiresIn > 0 {
			t := time.Now().UTC().Add(s.QuarantineExpiresIn)
			expires = &t
		}
		var reason *string
		if s.LifecycleReason != "" {
			reason = &s.LifecycleReason
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO strategies (id, name, lifecycle_state, lifecycle_reason, quarantine_expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				name                  = EXCLUDED.name,
				lifecycle_state       = EXCLUDED.lifecycle_state,
				lifecycle_reason      = EXCLUDED.lifecycle_reason,
				quarantine_expires_at = EXCLUDED.quarantine_expires_at
		`, s.ID, s.Name, string(s.LifecycleState), reason, expires)
		if err != nil {
			return fmt.Errorf("strategy %s: %w", s.Name, err)
		}
	}
	return nil
}

func seedVenues(ctx context.Context, tx pgx.Tx, f *Fixtures) error {
	for _, v := range f.Venues {
		_, err := tx.Exec(ctx, `
			INSERT INTO venues (name, status, is_enabled)
			VALUES ($1, $2, $3)
			ON CONFLICT (name) DO UPDATE SET
				status     = EXCLUDED.status,
				is_enabled = EXCLUDED.is_enabled
		`, v.Name, string(v.Status), v.Enabled)
		if err != nil {
			return fmt.Errorf("venue %s: %w", v.Name, err)
		}
	}
	return nil
}

func seedHealth(ctx context.Context, tx pgx.Tx, f *Fixtures) error {
	for _, h := range f.Health {
		_, err := tx.Exec(ctx, `
			INSERT INTO system_health (component, status, last_check_at)
			VALUES ($1, $2, now())
			ON CONFLICT (component) DO UPDATE SET
				status        = EXCLUDED.status,
				last_check_at = now()
		`, h.Component, string(h.Status))
		if err != nil {
			return fmt.Errorf("health %s: %w", h.Component, err)
		}
	}
	return nil
}

func seedUserRoles(ctx context.Context, tx pgx.Tx, f *Fixtures) error {
	for _, u := range f.Users {
		for _, role := range u.Roles {
			_, err := tx.Exec(ctx, `
				INSERT INTO user_roles (user_id, role)
				VALUES ($1, $2)
				ON CONFLICT (user_id, role) DO NOTHING
			`, u.ID, role)
			if err != nil {
				return fmt.Errorf("role %s for %s: %w", role, u.Email, err)
			}
		}
	}
	return nil
}
