// Admin broadcast CLI. Publishes a system message to every connected
// client, gated by a TOTP code so a leaked shell cannot spam users.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"statesync/config"
	"statesync/internal/auth"
	"statesync/internal/gateway"
	"statesync/internal/store/redis"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		message = flag.String("message", "", "message text to broadcast")
		code    = flag.String("code", "", "current TOTP code")
		from    = flag.String("from", "admin", "source label shown to clients")
	)
	flag.Parse()

	if *message == "" {
		log.Fatal("[broadcast] -message is required")
	}

	cfg := config.Load()
	if cfg.AdminTOTPSecret == "" {
		log.Fatal("[broadcast] ADMIN_TOTP_SECRET not configured")
	}
	if !auth.VerifyTOTP(cfg.AdminTOTPSecret, *code) {
		log.Fatal("[broadcast] invalid TOTP code")
	}

	coord, err := redis.New(redis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		log.Fatalf("[broadcast] coordination store: %v", err)
	}
	defer coord.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	router := gateway.NewRouter(gateway.NewGroups(coord))
	if err := router.SendSystemMessage(ctx, *from, *message); err != nil {
		log.Fatalf("[broadcast] publish: %v", err)
	}
	log.Printf("[broadcast] sent system message from %q", *from)
}
