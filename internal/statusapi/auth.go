package statusapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

const tokenAudience = "fieldsync"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: 401, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: 403, code: "forbidden", message: message}
}

type tokenClaims struct {
	VolunteerID string
	Scopes      map[string]struct{}
	Exp         int64
}

// claimSet mirrors the coordinator-issued token payload. Scopes stay raw
// because coordinators have shipped them both as an array and as a
// space-separated string.
type claimSet struct {
	VolunteerID string          `json:"volunteer_id"`
	Audience    string          `json:"aud"`
	Exp         json.Number     `json:"exp"`
	Scopes      json.RawMessage `json:"scopes"`
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := verifyToken(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, forbidden("token lacks scope " + requiredScope)
		}
	}
	return claims, nil
}

func verifyToken(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("authorization header is not a bearer token")
	}
	segments := strings.Split(strings.TrimSpace(raw), ".")
	if len(segments) != 3 {
		return tokenClaims{}, unauthorized("token is not a compact jwt")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(segments[0])
	if err != nil {
		return tokenClaims{}, unauthorized("undecodable token header")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil || header.Alg != "HS256" {
		return tokenClaims{}, unauthorized("token algorithm must be HS256")
	}

	signature, err := base64.RawURLEncoding.DecodeString(segments[2])
	if err != nil {
		return tokenClaims{}, unauthorized("undecodable token signature")
	}
	mac := hmac.New(sha256.New, []byte(jwtSecret))
	_, _ = mac.Write([]byte(segments[0]))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(segments[1]))
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return tokenClaims{}, unauthorized("token signature mismatch")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil {
		return tokenClaims{}, unauthorized("undecodable token payload")
	}
	var claims claimSet
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return tokenClaims{}, unauthorized("malformed token payload")
	}

	if claims.VolunteerID == "" {
		return tokenClaims{}, unauthorized("token carries no volunteer_id")
	}
	if claims.Audience != tokenAudience {
		return tokenClaims{}, unauthorized("token audience is not " + tokenAudience)
	}
	exp, err := claims.Exp.Int64()
	if err != nil || exp == 0 {
		return tokenClaims{}, unauthorized("token carries no usable exp")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	scopes := scopeSet(claims.Scopes)
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("token grants no scopes")
	}

	return tokenClaims{
		VolunteerID: claims.VolunteerID,
		Scopes:      scopes,
		Exp:         exp,
	}, nil
}

func scopeSet(raw json.RawMessage) map[string]struct{} {
	out := map[string]struct{}{}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, scope := range list {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
		return out
	}
	var joined string
	if err := json.Unmarshal(raw, &joined); err == nil {
		for _, scope := range strings.Fields(joined) {
			out[scope] = struct{}{}
		}
	}
	return out
}
