// Command bootstrap-admin creates the first approved administrator. The
// password must be supplied; there is no default.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"corpusguard.org/internal/audit"
	"corpusguard.org/internal/auth"
	"corpusguard.org/internal/config"
	"corpusguard.org/internal/ids"
	"corpusguard.org/internal/store/pg"
)

const passwordEnv = "CORPUSGUARD_ADMIN_PASSWORD"

func main() {
	log.SetFlags(0)
	var (
		dsn      = flag.String("dsn", os.Getenv("CORPUSGUARD_PG_DSN"), "PostgreSQL DSN")
		username = flag.String("username", "admin", "Administrator username")
		email    = flag.String("email", "", "Administrator email")
		password = flag.String("password", "", "Administrator password (or "+passwordEnv+")")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or CORPUSGUARD_PG_DSN")
	}
	pw := *password
	if pw == "" {
		pw = os.Getenv(passwordEnv)
	}
	if strings.TrimSpace(pw) == "" {
		log.Fatalf("missing password: provide via -password or %s", passwordEnv)
	}

	cfg := config.Default()
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("config: %v", err)
	}
	sealKey, err := cfg.SealKey()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	p, err := createAdmin(ctx, db, *username, *email, pw)
	switch {
	case errors.Is(err, auth.ErrConflict):
		log.Fatalf("user %q or email %q already exists", *username, *email)
	case err != nil:
		log.Fatalf("create admin: %v", err)
	}

	trail := audit.NewTrail(db, audit.WithSealer(audit.NewSealer(sealKey)))
	if err := trail.Record(ctx, audit.Entry{
		Action:       audit.ActionCreate,
		ResourceType: "Principal",
		ResourceID:   p.ID,
		Description:  "bootstrap administrator created",
		OriginAgent:  "bootstrap-admin",
		Payload:      map[string]any{"username": p.Username, "role": string(p.Role)},
	}); err != nil {
		log.Printf("warning: audit entry not recorded: %v", err)
	}
	fmt.Printf("created administrator %s (%s)\n", p.Username, p.ID)
}

func createAdmin(ctx context.Context, accounts auth.AccountStore, username, email, password string) (auth.Principal, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return auth.Principal{}, err
	}
	return accounts.CreateAccount(ctx, auth.Account{
		Principal: auth.Principal{
			ID:       ids.New(),
			Username: auth.NormalizeUsername(username),
			Email:    strings.ToLower(strings.TrimSpace(email)),
			Role:     auth.RoleAdmin,
			Approval: auth.ApprovalApproved,
			Active:   true,
		},
		PasswordHash: hash,
	})
}
