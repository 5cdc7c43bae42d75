package access

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/busybox42/smtp2graph/internal/config"
)

// Users holds the SMTP logins. Passwords are either plaintext or bcrypt hashes.
type Users struct {
	passwords map[string]string
}

// NewUsers indexes the configured user records by username
func NewUsers(records []config.User) *Users {
	u := &Users{passwords: make(map[string]string, len(records))}
	for _, r := range records {
		u.passwords[r.Username] = r.Password
	}
	return u
}

// Len returns the number of configured users
func (u *Users) Len() int {
	return len(u.passwords)
}

// Verify reports whether username and password match a configured user.
// Unknown users and wrong passwords are indistinguishable to the caller.
func (u *Users) Verify(username, password string) bool {
	stored, ok := u.passwords[username]
	if !ok {
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}

	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
}
