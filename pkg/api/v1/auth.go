package v1

import (
	"net/http"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// bearerAllowedAlgs are the signature algorithms workerIDFromBearer will
// parse. The token's signature is never verified here — see
// workerIDFromBearer's comment — so this only bounds which header shapes
// we bother decoding.
var bearerAllowedAlgs = []jose.SignatureAlgorithm{jose.HS256, jose.RS256, jose.ES256}

// workerIDFromBearer extracts a worker_id (or sub) claim from an optional
// "Authorization: Bearer <jwt>" header, without verifying the token's
// signature. This is an identity hint, not an authentication boundary —
// sandboxd has no signing/verification keys configured (see Non-goals) —
// so it is only used as a fallback when a request body omits worker_id.
func workerIDFromBearer(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if raw == "" {
		return ""
	}

	tok, err := jwt.ParseSigned(raw, bearerAllowedAlgs)
	if err != nil {
		return ""
	}

	var claims struct {
		WorkerID string `json:"worker_id"`
		Subject  string `json:"sub"`
	}
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return ""
	}
	if claims.WorkerID != "" {
		return claims.WorkerID
	}
	return claims.Subject
}
