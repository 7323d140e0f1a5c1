// Package identity resolves the current member id from a session credential.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoMemberID is returned when none of the candidate claims holds a usable value.
	ErrNoMemberID = errors.New("no member id claim")
	// ErrInvalidCredential is returned when the credential is not a decodable JWT.
	ErrInvalidCredential = errors.New("invalid credential")
)

// Candidates are the claim names consulted, in priority order.
var Candidates = []string{"memberId", "member_id", "userId", "user_id", "id", "sub"}

// Resolve returns the first candidate claim holding a non-empty scalar.
func Resolve(claims map[string]any) (string, error) {
	for _, key := range Candidates {
		v, ok := claims[key]
		if !ok {
			continue
		}
		if s, ok := scalar(v); ok {
			return s, nil
		}
	}
	return "", ErrNoMemberID
}

// FromToken decodes a JWT credential without verifying its signature and
// resolves the member id from its claims. The backend verifies the token; the
// client only needs to know who it is.
func FromToken(token string) (string, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrNoMemberID
	}
	return Resolve(claims)
}

func scalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		return s, s != ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case json.Number:
		return x.String(), x != ""
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	}
	return "", false
}
