package ebeam

import (
	"net/http"
	"strings"
)

// Lockout is an HTTP middleware that refuses manual intents with 423
// (Locked) while the instrument is under computer control or mid-handover.
// Observation routes and the routes that end the protection stay open, so
// an operator can always see state and always get out.
type Lockout struct {
	co *Coordinator

	// DoNotProtect lists path fragments the lock never applies to.
	DoNotProtect []string
}

// NewLockout returns a Lockout over the coordinator with the standard
// exemptions.
func NewLockout(co *Coordinator) *Lockout {
	return &Lockout{
		co:           co,
		DoNotProtect: []string{"computer-control", "shutdown", "state", "idle", "lock"},
	}
}

// Check is the middleware.
func (l *Lockout) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.co.Locked() {
			protected := true
			url := r.URL.Path
			for _, str := range l.DoNotProtect {
				if strings.Contains(url, str) {
					protected = false
				}
			}
			if protected {
				w.WriteHeader(http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
