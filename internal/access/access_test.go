package access

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/busybox42/smtp2graph/internal/config"
)

func TestIPList(t *testing.T) {
	list, err := NewIPList([]string{"192.168.1.10", "10.0.0.0/8", "2001:db8::/32"})
	require.NoError(t, err)

	tests := []struct {
		ip   string
		want bool
	}{
		{"192.168.1.10", true},
		{"192.168.1.11", false},
		{"10.20.30.40", true},
		{"11.0.0.1", false},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
		{"::ffff:10.1.2.3", true},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.want, list.Allowed(net.ParseIP(tt.ip)))
		})
	}
}

func TestIPListEmptyAllowsAll(t *testing.T) {
	list, err := NewIPList(nil)
	require.NoError(t, err)
	assert.False(t, list.Configured())
	assert.True(t, list.Allowed(net.ParseIP("203.0.113.9")))

	var nilList *IPList
	assert.True(t, nilList.Allowed(net.ParseIP("203.0.113.9")))
}

func TestIPListRejectsGarbage(t *testing.T) {
	_, err := NewIPList([]string{"not-an-ip"})
	assert.Error(t, err)
}

func TestAllowedAddr(t *testing.T) {
	list, err := NewIPList([]string{"127.0.0.1"})
	require.NoError(t, err)

	assert.True(t, list.AllowedAddr(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4000}))
	assert.False(t, list.AllowedAddr(&net.TCPAddr{IP: net.ParseIP("127.0.0.2"), Port: 4000}))
	assert.False(t, list.AllowedAddr(nil))
}

func TestSenderPolicy(t *testing.T) {
	users := []config.User{
		{Username: "scanner", Password: "x", AllowedFrom: []string{"scanner@example.com"}},
		{Username: "app", Password: "y"},
		{Username: "blank", Password: "z", AllowedFrom: []string{}},
	}

	t.Run("per-user list wins", func(t *testing.T) {
		p := NewSenderPolicy([]string{"noreply@example.com"}, users)
		assert.True(t, p.Allowed("Scanner@Example.COM", "scanner"))
		assert.False(t, p.Allowed("noreply@example.com", "scanner"))
	})

	t.Run("falls back to global list", func(t *testing.T) {
		p := NewSenderPolicy([]string{"noreply@example.com"}, users)
		assert.True(t, p.Allowed("NOREPLY@example.com", "app"))
		assert.False(t, p.Allowed("other@example.com", "app"))
		assert.True(t, p.Allowed("noreply@example.com", ""))
		assert.False(t, p.Allowed("other@example.com", ""))
	})

	t.Run("empty user list counts as unconfigured", func(t *testing.T) {
		p := NewSenderPolicy([]string{"noreply@example.com"}, users)
		assert.True(t, p.Allowed("noreply@example.com", "blank"))
		assert.False(t, p.Allowed("scanner@example.com", "blank"))
	})

	t.Run("allow all when nothing configured", func(t *testing.T) {
		p := NewSenderPolicy(nil, []config.User{{Username: "app", Password: "y"}})
		assert.True(t, p.Allowed("anyone@anywhere.test", "app"))
		assert.True(t, p.Allowed("anyone@anywhere.test", ""))
	})

	t.Run("no wildcards", func(t *testing.T) {
		p := NewSenderPolicy([]string{"*@example.com"}, nil)
		assert.False(t, p.Allowed("a@example.com", ""))
	})
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "user@example.com", NormalizeAddress(" <User@Example.com> "))
}

func TestUsersVerify(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	users := NewUsers([]config.User{
		{Username: "plain", Password: "hunter2"},
		{Username: "hashed", Password: string(hash)},
	})
	assert.Equal(t, 2, users.Len())

	assert.True(t, users.Verify("plain", "hunter2"))
	assert.False(t, users.Verify("plain", "Hunter2"))
	assert.False(t, users.Verify("Plain", "hunter2"))
	assert.True(t, users.Verify("hashed", "s3cret"))
	assert.False(t, users.Verify("hashed", "wrong"))
	assert.False(t, users.Verify("ghost", "hunter2"))
}

func TestParseAddresses(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  []string
	}{
		{"single", "a@example.com", []string{"a@example.com"}},
		{"display names", `"Alice" <alice@example.com>, Bob <bob@example.com>`, []string{"alice@example.com", "bob@example.com"}},
		{"unquoted comma in name", "Doe, John <john@example.com>", []string{"john@example.com"}},
		{"bare list with semicolons", "a@example.com; b@example.com", []string{"a@example.com", "b@example.com"}},
		{"empty", "  ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseAddresses(tt.value))
		})
	}
}

func TestFirstAddress(t *testing.T) {
	assert.Equal(t, "sender@example.com", FirstAddress("Sender <sender@example.com>, other@example.com"))
	assert.Equal(t, "", FirstAddress("nobody"))
}
