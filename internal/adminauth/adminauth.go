// Package adminauth guards sensitive endpoints (the migration trigger, the
// dry-run toggle) with a single bcrypt-hashed admin API key, the same
// bcrypt.CompareHashAndPassword check the teacher's password auth uses for
// operator logins, applied here to a static key instead of a per-user
// credential.
package adminauth

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

const headerName = "X-Admin-Api-Key"

// Verifier checks incoming requests against a single bcrypt-hashed key.
type Verifier struct {
	hash []byte
}

// New builds a Verifier from a bcrypt hash produced offline (e.g. via
// bcrypt.GenerateFromPassword at provisioning time). An empty hash means
// admin auth is disabled: Middleware becomes a no-op, used for local
// development.
func New(bcryptHash string) *Verifier {
	return &Verifier{hash: []byte(bcryptHash)}
}

// Enabled reports whether a hash was configured.
func (v *Verifier) Enabled() bool { return len(v.hash) > 0 }

// Verify checks candidate against the configured hash.
func (v *Verifier) Verify(candidate string) bool {
	if !v.Enabled() {
		return true
	}
	if candidate == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(v.hash, []byte(candidate)) == nil
}

// Middleware rejects requests lacking a valid X-Admin-Api-Key header with
// 401. When no hash is configured it passes every request through.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	if !v.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(headerName)
		if !v.Verify(key) {
			http.Error(w, `{"code":"UNAUTHORIZED","message":"missing or invalid admin api key"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
