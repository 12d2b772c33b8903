package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"assured/db"
	"assured/escrow"
	"assured/identity"
	"assured/ledger"
	"assured/reputation"
)

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	authority := os.Getenv("SETTLEMENT_AUTHORITY")
	if authority == "" {
		log.Fatal("SETTLEMENT_AUTHORITY is required")
	}

	lgr := ledger.NewPGLedger()
	escrowSvc := escrow.NewService(pool, escrow.NewRepository(pool), escrow.NewOutbox(), lgr).
		WithClock(func() int64 { return time.Now().UnixMilli() })
	reputationSvc := reputation.NewService(pool, reputation.NewRepository(pool), lgr, authority)
	identitySvc := identity.NewService(identity.NewRepository(pool), jwtSecret)

	server := &Server{
		escrowService:     escrowSvc,
		reputationService: reputationSvc,
		identityService:   identitySvc,
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	log.Printf("listening on %s", addr)
	if err := http.ListenAndServe(addr, server.routes()); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
