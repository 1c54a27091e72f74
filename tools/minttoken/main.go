// Command minttoken issues an API token for a local operator or viewer.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"netshield/internal/auth"
)

func main() {
	secret := flag.String("secret", "", "JWT signing secret")
	tenant := flag.String("tenant", "default", "tenant id")
	role := flag.String("role", "viewer", "role: viewer, operator or admin")
	subject := flag.String("subject", "local-admin", "token subject")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *secret == "" {
		log.Fatal("-secret is required")
	}
	if _, ok := auth.NormalizeRole(*role); !ok {
		log.Fatalf("unknown role %q", *role)
	}

	now := time.Now()
	signed, err := auth.SignJWT(&auth.Claims{
		TenantID: *tenant,
		Role:     *role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   *subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
		},
	}, []byte(*secret))
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	fmt.Println(signed)
}
