package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
)

// Mints session tokens signed with APP_SIGNING_SECRET for scripted calls to
// the operator API, e.g.
//
//	curl -b "dumpwatch_operator_session=$(go run ./cmd/gen_token)" ...
func main() {
	kind := flag.String("kind", "operator", "token kind: operator or user")
	email := flag.String("email", "admin@example.com", "operator email")
	role := flag.String("role", "admin", "operator role: admin or moderator")
	userID := flag.String("user-id", "", "profile uuid for user tokens")
	ttl := flag.Duration("ttl", 8*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load(".env")
	secret := os.Getenv("APP_SIGNING_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "APP_SIGNING_SECRET is required")
		os.Exit(1)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(*ttl).Unix(),
	}
	switch *kind {
	case "operator":
		if *role != "admin" && *role != "moderator" {
			fmt.Fprintln(os.Stderr, "role must be admin or moderator")
			os.Exit(1)
		}
		claims["email"] = *email
		claims["role"] = *role
	case "user":
		if *userID == "" {
			fmt.Fprintln(os.Stderr, "-user-id is required for user tokens")
			os.Exit(1)
		}
		claims["user_id"] = *userID
	default:
		fmt.Fprintf(os.Stderr, "unknown token kind %q\n", *kind)
		os.Exit(1)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	fmt.Println(signedToken)
}
