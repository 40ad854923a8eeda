package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Organizations []seedOrganization `yaml:"organizations"`
}

type seedOrganization struct {
	ID           string            `yaml:"id"`
	Users        []seedUser        `yaml:"users"`
	Subscription *seedSubscription `yaml:"subscription"`
}

type seedUser struct {
	ID    string `yaml:"id"`
	Email string `yaml:"email"`
	Role  string `yaml:"role"`
}

type seedSubscription struct {
	Platform           string         `yaml:"platform"`
	ExternalKey        string         `yaml:"external_key"`
	Tier               string         `yaml:"tier"`
	Status             string         `yaml:"status"`
	MonthlyPrice       int64          `yaml:"monthly_price"`
	TransactionFeeRate float64        `yaml:"transaction_fee_rate"`
	PeriodDays         int            `yaml:"period_days"`
	Features           map[string]any `yaml:"features"`
}

func main() {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	seeds, err := loadSeeds()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load seeds: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	fmt.Println("Seeding billing database...")

	now := time.Now().UTC()
	for _, org := range seeds.Organizations {
		fmt.Printf("  Organization %s\n", org.ID)
		for _, u := range org.Users {
			_, err := pool.Exec(ctx,
				`INSERT INTO users (id, organization_id, email, role, is_active) VALUES ($1, $2, $3, $4, true)
				 ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, role = EXCLUDED.role, updated_at = now()`,
				u.ID, org.ID, u.Email, u.Role)
			if err != nil {
				fmt.Fprintf(os.Stderr, "insert user %s: %v\n", u.ID, err)
				os.Exit(1)
			}
		}

		s := org.Subscription
		if s == nil {
			continue
		}
		if len(org.Users) == 0 {
			fmt.Fprintf(os.Stderr, "organization %s has a subscription but no users\n", org.ID)
			os.Exit(1)
		}
		features, err := json.Marshal(s.Features)
		if err != nil || s.Features == nil {
			features = []byte(`{}`)
		}
		var stripeID, appStoreID, playToken *string
		switch s.Platform {
		case "stripe":
			stripeID = &s.ExternalKey
		case "app_store":
			appStoreID = &s.ExternalKey
		case "play_store":
			playToken = &s.ExternalKey
		default:
			fmt.Fprintf(os.Stderr, "organization %s: unknown platform %q\n", org.ID, s.Platform)
			os.Exit(1)
		}
		periodEnd := now.AddDate(0, 0, s.PeriodDays)

		_, err = pool.Exec(ctx,
			`INSERT INTO subscriptions (id, organization_id, user_id, platform,
			     stripe_subscription_id, app_store_original_transaction_id, play_purchase_token,
			     tier, status, monthly_price, transaction_fee_rate, features,
			     current_period_start, current_period_end)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 ON CONFLICT (organization_id) DO UPDATE SET
			     tier = EXCLUDED.tier, status = EXCLUDED.status,
			     current_period_start = EXCLUDED.current_period_start,
			     current_period_end = EXCLUDED.current_period_end, updated_at = now()`,
			uuid.NewString(), org.ID, org.Users[0].ID, s.Platform,
			stripeID, appStoreID, playToken,
			s.Tier, s.Status, s.MonthlyPrice, s.TransactionFeeRate, features,
			now, periodEnd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "insert subscription for %s: %v\n", org.ID, err)
			os.Exit(1)
		}
	}

	fmt.Println("Done.")
}

// loadSeeds reads dev.yaml from next to this source file.
func loadSeeds() (*seedFile, error) {
	_, file, _, _ := runtime.Caller(0)
	data, err := os.ReadFile(filepath.Join(filepath.Dir(file), "dev.yaml"))
	if err != nil {
		return nil, err
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse dev.yaml: %w", err)
	}
	return &f, nil
}
