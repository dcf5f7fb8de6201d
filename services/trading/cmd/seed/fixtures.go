package main

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed fixtures.yaml
var defaultFixtures []byte

type Fixtures struct {
	Settings   SettingsFixture   `yaml:"settings"`
	Books      []BookFixture     `yaml:"books"`
	Strategies []StrategyFixture `yaml:"strategies"`
	Venues     []VenueFixture    `yaml:"venues"`
	Health     []HealthFixture   `yaml:"health"`
	Users      []UserFixture     `yaml:"users"`
}

type SettingsFixture struct {
	GlobalKillSwitch bool `yaml:"global_kill_switch"`
	ReduceOnlyMode   bool `yaml:"reduce_only_mode"`
	PaperTradingMode bool `yaml:"paper_trading_mode"`
}

type BookFixture struct {
	ID               uuid.UUID          `yaml:"id"`
	Name             string             `yaml:"name"`
	Status           storage.BookStatus `yaml:"status"`
	CapitalAllocated decimal.Decimal    `yaml:"capital_allocated"`
	Limits           LimitsFixture      `yaml:"limits"`
}

type LimitsFixture struct {
	MaxLeverage      decimal.Decimal `yaml:"max_leverage"`
	MaxDailyLoss     decimal.Decimal `yaml:"max_daily_loss"`
	MaxConcentration decimal.Decimal `yaml:"max_concentration"`
	MaxDrawdownLimit decimal.Decimal `yaml:"max_drawdown_limit"`
}

type StrategyFixture struct {
	ID                  uuid.UUID              `yaml:"id"`
	Name                string                 `yaml:"name"`
	LifecycleState      storage.LifecycleState `yaml:"lifecycle_state"`
	LifecycleReason     string                 `yaml:"lifecycle_reason"`
	QuarantineExpiresIn time.Duration          `yaml:"quarantine_expires_in"`
}

type VenueFixture struct {
	Name    string              `yaml:"name"`
	Status  storage.VenueStatus `yaml:"status"`
	Enabled bool                `yaml:"enabled"`
}

type HealthFixture struct {
	Component string               `yaml:"component"`
	Status    storage.HealthStatus `yaml:"status"`
}

type UserFixture struct {
	ID    uuid.UUID `yaml:"id"`
	Email string    `yaml:"email"`
	Roles []string  `yaml:"roles"`
}

// loadFixtures reads path, or the embedded fixtures when path is empty.
func loadFixtures(path string) (*Fixtures, error) {
	raw := defaultFixtures
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read fixtures: %w", err)
		}
		raw = data
	}
	return parseFixtures(raw)
}

func parseFixtures(raw []byte) (*Fixtures, error) {
	var f Fixtures
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Fixtures) validate() error {
	var errs []error
	for _, b := range f.Books {
		if b.ID == uuid.Nil || b.Name == "" {
			errs = append(errs, fmt.Errorf("book %q: id and name are required", b.Name))
		}
		if !b.Limits.MaxLeverage.IsPositive() {
			errs = append(errs, fmt.Errorf("book %q: max_leverage must be positive", b.Name))
		}
		switch b.Status {
		case storage.BookActive, storage.BookReduceOnly, storage.BookFrozen, storage.BookHalted:
		default:
			errs = append(errs, fmt.Errorf("book %q: unknown status %q", b.Name, b.Status))
		}
	}
	for _, s := range f.Strategies {
		if s.ID == uuid.Nil || s.LifecycleState == "" {
			errs = append(errs, fmt.Errorf("strategy %q: id and lifecycle_state are required", s.Name))
		}
	}
	for _, v := range f.Venues {
		switch v.Status {
		case storage.VenueHealthy, storage.VenueDegraded, storage.VenueOffline:
		default:
			errs = append(errs, fmt.Errorf("venue %q: unknown status %q", v.Name, v.Status))
		}
	}
	for _, u := range f.Users {
		if u.ID == uuid.Nil {
			errs = append(errs, fmt.Errorf("user %q: id is required", u.Email))
		}
	}
	return errors.Join(errs...)
}
