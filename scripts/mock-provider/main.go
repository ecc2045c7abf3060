package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"flag"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"idgate/internal/jose"
)

// Local stand-in for the identity provider: publishes a key set and mints
// identity tokens signed with it, so idgate can be exercised end to end.
// Example:
//
//	go run ./scripts/mock-provider -listen :9100
//	keys_url: http://localhost:9100/auth/keys
//	curl -X POST 'localhost:9100/token?sub=001234.test&email=jane@example.com'

func main() {
	listen := flag.String("listen", ":9100", "listen address")
	issuer := flag.String("issuer", "https://appleid.apple.com", "iss claim of minted tokens")
	audience := flag.String("audience", "com.example.app", "aud claim of minted tokens")
	kid := flag.String("kid", "mock-1", "key id published in the key set")
	lifetime := flag.Duration("lifetime", 10*time.Minute, "lifetime of minted tokens")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		logger.Error("generate signing key", "error", err)
		os.Exit(1)
	}
	set := jose.KeySet{Keys: []jose.JWK{{
		KeyType:   jose.KeyTypeRSA,
		KeyID:     *kid,
		Use:       "sig",
		Algorithm: "RS256",
		N:         jose.EncodeSegment(key.N.Bytes()),
		E:         jose.EncodeSegment(big.NewInt(int64(key.E)).Bytes()),
	}}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		sub := q.Get("sub")
		if sub == "" {
			http.Error(w, "sub is required", http.StatusBadRequest)
			return
		}
		now := time.Now()
		claims := jwt.MapClaims{
			"iss": *issuer,
			"aud": *audience,
			"sub": sub,
			"iat": now.Unix(),
			"exp": now.Add(*lifetime).Unix(),
		}
		if email := q.Get("email"); email != "" {
			claims["email"] = email
			claims["email_verified"] = q.Get("email_verified") != "false"
		}
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = *kid
		signed, err := tok.SignedString(key)
		if err != nil {
			logger.Error("sign token", "error", err)
			http.Error(w, "signing failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id_token": signed})
	})

	server := &http.Server{Addr: *listen, Handler: mux}

	go func() {
		logger.Info("mock provider starting", "addr", *listen, "kid", *kid, "issuer", *issuer, "audience", *audience)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	logger.Info("mock provider stopping")
	_ = server.Shutdown(shutdownCtx)
}
