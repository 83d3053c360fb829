// Package locker provides an HTTP middleware which allows an HTTPHandler to be locked, returning 423 (locked)
package locker

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/nasa-jpl/patchclamp/server"
)

// Inject adds a lock route to a server.HTTPer which is used to manipulate the locker
func Inject(other server.HTTPer, l *Locker) {
	rt := other.RT()
	rt[server.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[server.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// Locker is a type which behaves like a sync.Mutex without the blocking,
// and holds a list of routes to not protect.  Reads (GET and HEAD) are never
// refused.
type Locker struct {
	mu sync.Mutex

	isLocked bool
	reason   string

	// DoNotProtect is a list of paths not to apply the lock to
	DoNotProtect []string
}

// New returns a new Locker with DoNotProtect prepopulated with "lock"
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock"}}
}

// LockFor locks the locker, noting why
func (l *Locker) LockFor(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isLocked = true
	l.reason = reason
}

// Release unlocks the locker
func (l *Locker) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isLocked = false
	l.reason = ""
}

// Locked returns true if the locker is locked, and why
func (l *Locker) Locked() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isLocked, l.reason
}

// Check is an HTTP middleware that returns http.StatusLocked if Locked() is true, otherwise passes down the line
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		locked, reason := l.Locked()
		if locked && r.Method != http.MethodGet && r.Method != http.MethodHead {
			protected := true
			url := r.URL.Path
			for _, str := range l.DoNotProtect {
				if strings.Contains(url, str) {
					protected = false
				}
			}
			if protected {
				http.Error(w, "locked: "+reason, http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet calls LockFor or Release based on json:bool on the request body
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := server.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.LockFor("locked by request")
	} else {
		l.Release()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked() over HTTP as JSON
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	b, reason := l.Locked()
	server.Respond(w, struct {
		Bool   bool   `json:"bool"`
		Reason string `json:"reason,omitempty"`
	}{b, reason})
}
