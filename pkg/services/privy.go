package services

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ParsePrivySubject extracts the sub claim from a privy identity token.
// The token is decoded without signature verification: the subject is
// advisory metadata attached to the session, not an authentication input.
// Neither the token nor its claims are persisted or logged by this function;
// callers must treat parse errors as "no subject", never echo the token.
func ParsePrivySubject(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("failed to parse identity token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("failed to read identity token subject: %w", err)
	}
	return sub, nil
}
