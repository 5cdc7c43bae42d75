package smtp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/textproto"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/smtp2graph/internal/config"
	"github.com/busybox42/smtp2graph/internal/queue"
	"github.com/busybox42/smtp2graph/internal/ratelimit"
)

type testServer struct {
	srv     *Server
	storage *queue.FileStorage
	addr    string
}

func startTestServer(t *testing.T, cfg *Config, rcv config.ReceiveConfig) *testServer {
	t.Helper()

	storage, err := queue.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	gateway, err := NewGateway(rcv, ratelimit.NewMemoryStore(), nil)
	require.NoError(t, err)

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "relay.test"
	}

	srv, err := NewServer(cfg, gateway, storage, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		srv.Close()
		srv.Wait()
	})

	return &testServer{srv: srv, storage: storage, addr: srv.Addr().String()}
}

// dial connects and consumes the greeting
func (ts *testServer) dial(t *testing.T) (*textproto.Conn, net.Conn) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", ts.addr, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	c := textproto.NewConn(conn)
	code, msg := read(t, c)
	require.Equal(t, 220, code, msg)
	return c, conn
}

func read(t *testing.T, c *textproto.Conn) (int, string) {
	t.Helper()
	code, msg, err := c.ReadResponse(0)
	require.NoError(t, err)
	return code, msg
}

func send(t *testing.T, c *textproto.Conn, format string, args ...any) (int, string) {
	t.Helper()
	require.NoError(t, c.PrintfLine(format, args...))
	return read(t, c)
}

func expect(t *testing.T, c *textproto.Conn, want int, format string, args ...any) string {
	t.Helper()
	code, msg := send(t, c, format, args...)
	require.Equal(t, want, code, "%s: %s", fmt.Sprintf(format, args...), msg)
	return msg
}

// sendMessage runs one transaction and returns the queued message id
func sendMessage(t *testing.T, c *textproto.Conn, from string, rcpts []string, body string) string {
	t.Helper()
	expect(t, c, 250, "MAIL FROM:<%s>", from)
	for _, rcpt := range rcpts {
		expect(t, c, 250, "RCPT TO:<%s>", rcpt)
	}
	expect(t, c, 354, "DATA")

	w := c.DotWriter()
	_, err := w.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	code, msg := read(t, c)
	require.Equal(t, 250, code, msg)
	id := strings.TrimPrefix(msg, "2.0.0 Ok: queued as ")
	require.NotEqual(t, msg, id)
	return id
}

func (ts *testServer) readQueued(t *testing.T, id string) string {
	t.Helper()
	data, err := os.ReadFile(ts.storage.Path(queue.Pending, id+queue.MessageExt))
	require.NoError(t, err)
	return string(data)
}

func (ts *testServer) assertEmpty(t *testing.T, areas ...queue.Area) {
	t.Helper()
	for _, area := range areas {
		entries, err := ts.storage.List(area)
		require.NoError(t, err)
		assert.Empty(t, entries, "area %s", area)
	}
}

func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay.test"},
		DNSNames:     []string{"relay.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cfg, err := NewTLSConfig(certPEM, keyPEM)
	require.NoError(t, err)
	return cfg
}

func plainAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte("\x00" + user + "\x00" + pass))
}

func usersConfig() config.ReceiveConfig {
	rcv := testReceiveConfig()
	rcv.Users = []config.User{{Username: "app", Password: "s3cret"}}
	return rcv
}

func TestSessionQueuesMessage(t *testing.T) {
	ts := startTestServer(t, &Config{}, testReceiveConfig())
	c, _ := ts.dial(t)

	ehlo := expect(t, c, 250, "EHLO client.test")
	assert.Contains(t, ehlo, "relay.test Hello client.test")
	assert.Contains(t, ehlo, "PIPELINING")
	assert.Contains(t, ehlo, "SIZE ")
	assert.NotContains(t, ehlo, "STARTTLS")
	assert.NotContains(t, ehlo, "AUTH")

	var body strings.Builder
	body.WriteString("From: a@x\nTo: b@x\nSubject: ten lines\n\n")
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(&body, "line %d\n", i)
	}

	id := sendMessage(t, c, "a@x", []string{"b@x"}, body.String())
	expect(t, c, 221, "QUIT")

	data := ts.readQueued(t, id)
	assert.True(t, strings.HasPrefix(data, "Received: from client.test (127.0.0.1)\r\n\tby relay.test with ESMTP id "+id+"\r\n\tfor <b@x>; "))
	assert.Contains(t, data, "\r\nFrom: a@x\r\nTo: b@x\r\nSubject: ten lines\r\n\r\nline 1\r\n")
	assert.True(t, strings.HasSuffix(data, "line 10\r\n"))
	assert.NotContains(t, data, "Bcc:")
	assert.Equal(t, 1, strings.Count(data, "From: a@x"))

	ts.assertEmpty(t, queue.Temp, queue.Failed)
}

func TestSessionAddsMissingHeaders(t *testing.T) {
	ts := startTestServer(t, &Config{}, testReceiveConfig())
	c, _ := ts.dial(t)
	expect(t, c, 250, "EHLO client.test")

	id := sendMessage(t, c, "a@x", []string{"b@x", "c@x"}, "To: b@x\nSubject: hi\n\nbody\n")

	data := ts.readQueued(t, id)
	headers, body, ok := strings.Cut(data, "\r\n\r\n")
	require.True(t, ok)
	assert.Contains(t, headers, "\r\nFrom: a@x")
	assert.Contains(t, headers, "\r\nBcc: c@x")
	assert.NotContains(t, headers, "for <")
	assert.Equal(t, "body\r\n", body)
}

func TestSessionObsoleteHeaderSyntax(t *testing.T) {
	ts := startTestServer(t, &Config{}, testReceiveConfig())
	c, _ := ts.dial(t)
	expect(t, c, 250, "EHLO client.test")

	id := sendMessage(t, c, "a@x", []string{"b@x"}, "Subject : old style\nFrom: sender@x\nTo: b@x\n\nbody\n")

	data := ts.readQueued(t, id)
	headers, body, ok := strings.Cut(data, "\r\n\r\n")
	require.True(t, ok)
	assert.Contains(t, headers, "\r\nFrom: sender@x")
	assert.NotContains(t, headers, "From: a@x")
	assert.NotContains(t, headers, "Bcc:")
	assert.Equal(t, "body\r\n", body)
}

func TestSessionMessageWithoutHeaders(t *testing.T) {
	ts := startTestServer(t, &Config{}, testReceiveConfig())
	c, _ := ts.dial(t)
	expect(t, c, 250, "HELO client.test")

	id := sendMessage(t, c, "a@x", []string{"b@x"}, "just a body line\n")

	data := ts.readQueued(t, id)
	assert.Contains(t, data, "\r\nFrom: a@x\r\nBcc: b@x\r\n\r\njust a body line\r\n")
}

func TestSessionMultipleMessages(t *testing.T) {
	ts := startTestServer(t, &Config{}, testReceiveConfig())
	c, _ := ts.dial(t)
	expect(t, c, 250, "EHLO client.test")

	first := sendMessage(t, c, "a@x", []string{"b@x"}, "Subject: one\n\n1\n")
	second := sendMessage(t, c, "a@x", []string{"c@x"}, "Subject: two\n\n2\n")
	assert.NotEqual(t, first, second)

	entries, err := ts.storage.List(queue.Pending)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSessionDotStuffing(t *testing.T) {
	ts := startTestServer(t, &Config{}, testReceiveConfig())
	c, _ := ts.dial(t)
	expect(t, c, 250, "EHLO client.test")
	expect(t, c, 250, "MAIL FROM:<a@x>")
	expect(t, c, 250, "RCPT TO:<b@x>")
	expect(t, c, 354, "DATA")

	for _, line := range []string{"From: a@x", "", "..leading dot", "...", "end"} {
		require.NoError(t, c.PrintfLine("%s", line))
	}
	code, msg := send(t, c, ".")
	require.Equal(t, 250, code, msg)

	data := ts.readQueued(t, strings.TrimPrefix(msg, "2.0.0 Ok: queued as "))
	assert.Contains(t, data, "\r\n\r\n.leading dot\r\n..\r\nend\r\n")
}

func TestSessionBareLineFeeds(t *testing.T) {
	ts := startTestServer(t, &Config{}, testReceiveConfig())
	_, conn := ts.dial(t)

	_, err := conn.Write([]byte("EHLO client.test\nMAIL FROM:<a@x>\nRCPT TO:<b@x>\nDATA\n"))
	require.NoError(t, err)

	c := textproto.NewConn(conn)
	for _, want := range []int{250, 250, 250, 354} {
		code, msg := read(t, c)
		require.Equal(t, want, code, msg)
	}

	_, err = conn.Write([]byte("From: a@x\n\nfirst\nsecond\n.\n"))
	require.NoError(t, err)
	code, msg := read(t, c)
	require.Equal(t, 250, code, msg)

	data := ts.readQueued(t, strings.TrimPrefix(msg, "2.0.0 Ok: queued as "))
	assert.True(t, strings.HasSuffix(data, "\r\nfirst\r\nsecond\r\n"))
	assert.NotContains(t, strings.ReplaceAll(data, "\r\n", ""), "\n")
}

func TestSessionOversizeMessage(t *testing.T) {
	ts := startTestServer(t, &Config{MaxSize: 1024}, testReceiveConfig())
	c, _ := ts.dial(t)

	ehlo := expect(t, c, 250, "EHLO client.test")
	assert.Contains(t, ehlo, "SIZE 1024")

	expect(t, c, 250, "MAIL FROM:<a@x>")
	expect(t, c, 250, "RCPT TO:<b@x>")
	expect(t, c, 354, "DATA")

	w := c.DotWriter()
	_, err := w.Write([]byte("Subject: big\n\n" + strings.Repeat(strings.Repeat("x", 70)+"\n", 100)))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	code, msg := read(t, c)
	assert.Equal(t, 552, code)
	assert.Equal(t, "5.3.4 Message exceeds fixed maximum message size", msg)

	ts.assertEmpty(t, queue.Pending, queue.Temp)

	// The session stays usable
	expect(t, c, 250, "NOOP")
	expect(t, c, 221, "QUIT")
}

func TestSessionSizeParameter(t *testing.T) {
	ts := startTestServer(t, &Config{MaxSize: 1024}, testReceiveConfig())
	c, _ := ts.dial(t)
	expect(t, c, 250, "EHLO client.test")

	expect(t, c, 552, "MAIL FROM:<a@x> SIZE=4096")
	expect(t, c, 501, "MAIL FROM:<a@x> SIZE=lots")
	expect(t, c, 250, "MAIL FROM:<a@x> SIZE=512 BODY=8BITMIME")
}

func TestSessionRejectedSender(t *testing.T) {
	rcv := testReceiveConfig()
	rcv.AllowedFrom = []string{"ok@x"}
	ts := startTestServer(t, &Config{}, rcv)
	c, _ := ts.dial(t)
	expect(t, c, 250, "EHLO client.test")

	msg := expect(t, c, 550, "MAIL FROM:<bad@x>")
	assert.Equal(t, `5.7.1 FROM "bad@x" not allowed`, msg)
	expect(t, c, 503, "RCPT TO:<b@x>")

	sendMessage(t, c, "ok@x", []string{"b@x"}, "Subject: ok\n\nok\n")

	entries, err := ts.storage.List(queue.Pending)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSessionNullSender(t *testing.T) {
	ts := startTestServer(t, &Config{}, testReceiveConfig())
	c, _ := ts.dial(t)
	expect(t, c, 250, "EHLO client.test")
	expect(t, c, 250, "MAIL FROM:<>")
	expect(t, c, 250, "RCPT TO:<b@x>")

	msg := expect(t, c, 550, "DATA")
	assert.Equal(t, "5.1.7 Missing FROM", msg)
	ts.assertEmpty(t, queue.Pending, queue.Temp)
}

func TestSessionCommandSequence(t *testing.T) {
	ts := startTestServer(t, &Config{}, testReceiveConfig())
	c, _ := ts.dial(t)

	expect(t, c, 503, "MAIL FROM:<a@x>")
	expect(t, c, 502, "BOGUS")
	expect(t, c, 501, "EHLO")
	expect(t, c, 250, "EHLO client.test")
	expect(t, c, 503, "RCPT TO:<b@x>")
	expect(t, c, 503, "DATA")
	expect(t, c, 250, "MAIL FROM:<a@x>")
	expect(t, c, 503, "MAIL FROM:<a@x>")
	expect(t, c, 501, "RCPT TO:<no-at-sign>")
	expect(t, c, 554, "DATA")
	expect(t, c, 250, "RCPT TO:<b@x>")
	expect(t, c, 250, "RSET")
	expect(t, c, 503, "DATA")
	expect(t, c, 250, "NOOP")
	expect(t, c, 252, "VRFY b@x")
	expect(t, c, 214, "HELP")
	expect(t, c, 221, "QUIT")
}

func TestSessionLineTooLong(t *testing.T) {
	ts := startTestServer(t, &Config{}, testReceiveConfig())
	c, _ := ts.dial(t)

	msg := expect(t, c, 500, "NOOP %s", strings.Repeat("a", maxCommandLine+10))
	assert.Equal(t, "5.5.2 Line too long", msg)
}

func TestSessionIPRejected(t *testing.T) {
	rcv := testReceiveConfig()
	rcv.IPWhitelist = []string{"10.0.0.1"}
	ts := startTestServer(t, &Config{}, rcv)

	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	c := textproto.NewConn(conn)
	code, msg := read(t, c)
	assert.Equal(t, 554, code)
	assert.Equal(t, "5.7.1 IP 127.0.0.1 is not allowed to connect", msg)

	_, err = c.ReadLine()
	assert.Error(t, err)
}

func TestSessionConnectionRateLimit(t *testing.T) {
	rcv := testReceiveConfig()
	rcv.RateLimit = config.WindowConfig{Duration: 60, Limit: 10}
	ts := startTestServer(t, &Config{}, rcv)

	for i := 1; i <= 10; i++ {
		ts.dial(t)
	}

	for i := 11; i <= 15; i++ {
		conn, err := net.Dial("tcp", ts.addr)
		require.NoError(t, err)
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

		code, msg := read(t, textproto.NewConn(conn))
		conn.Close()
		assert.Equal(t, 421, code, "connection %d", i)
		assert.Regexp(t, `^4\.7\.0 Rate limit exceeded\. Try again in \d+ seconds$`, msg, "connection %d", i)
	}
}

func TestSessionAuthWithoutTLS(t *testing.T) {
	ts := startTestServer(t, &Config{}, usersConfig())
	c, _ := ts.dial(t)

	expect(t, c, 503, "AUTH PLAIN %s", plainAuth("app", "s3cret"))

	ehlo := expect(t, c, 250, "EHLO client.test")
	assert.Contains(t, ehlo, "AUTH PLAIN LOGIN")

	msg := expect(t, c, 535, "AUTH PLAIN %s", plainAuth("app", "wrong"))
	assert.Equal(t, "5.7.8 Invalid login", msg)
	expect(t, c, 504, "AUTH CRAM-MD5")
	expect(t, c, 501, "AUTH PLAIN not-base64!")

	expect(t, c, 235, "AUTH PLAIN %s", plainAuth("app", "s3cret"))
	expect(t, c, 503, "AUTH PLAIN %s", plainAuth("app", "s3cret"))

	id := sendMessage(t, c, "a@x", []string{"b@x"}, "Subject: auth\n\nhi\n")
	assert.Contains(t, ts.readQueued(t, id), "with ESMTPA id "+id)
}

func TestSessionAuthLogin(t *testing.T) {
	ts := startTestServer(t, &Config{}, usersConfig())
	c, _ := ts.dial(t)
	expect(t, c, 250, "EHLO client.test")

	msg := expect(t, c, 334, "AUTH LOGIN")
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("Username:")), msg)
	msg = expect(t, c, 334, "%s", base64.StdEncoding.EncodeToString([]byte("app")))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("Password:")), msg)
	expect(t, c, 235, "%s", base64.StdEncoding.EncodeToString([]byte("s3cret")))
}

func TestSessionAuthPlainChallenge(t *testing.T) {
	ts := startTestServer(t, &Config{}, usersConfig())
	c, _ := ts.dial(t)
	expect(t, c, 250, "EHLO client.test")

	expect(t, c, 334, "AUTH PLAIN")
	expect(t, c, 501, "*")

	expect(t, c, 334, "AUTH PLAIN")
	expect(t, c, 235, "%s", plainAuth("app", "s3cret"))
}

func TestSessionAuthNotConfigured(t *testing.T) {
	ts := startTestServer(t, &Config{}, testReceiveConfig())
	c, _ := ts.dial(t)
	expect(t, c, 250, "EHLO client.test")
	expect(t, c, 502, "AUTH PLAIN %s", plainAuth("app", "s3cret"))
}

func TestSessionAuthRequiresTLS(t *testing.T) {
	ts := startTestServer(t, &Config{TLS: selfSignedTLS(t)}, usersConfig())
	c, _ := ts.dial(t)

	ehlo := expect(t, c, 250, "EHLO client.test")
	assert.Contains(t, ehlo, "STARTTLS")
	assert.NotContains(t, ehlo, "AUTH")

	msg := expect(t, c, 538, "AUTH PLAIN %s", plainAuth("app", "s3cret"))
	assert.Contains(t, msg, "5.7.11")
}

func TestSessionAllowInsecureAuth(t *testing.T) {
	ts := startTestServer(t, &Config{TLS: selfSignedTLS(t), AllowInsecureAuth: true}, usersConfig())
	c, _ := ts.dial(t)

	ehlo := expect(t, c, 250, "EHLO client.test")
	assert.Contains(t, ehlo, "AUTH PLAIN LOGIN")
	expect(t, c, 235, "AUTH PLAIN %s", plainAuth("app", "s3cret"))
}

func TestSessionRequireAuth(t *testing.T) {
	ts := startTestServer(t, &Config{RequireAuth: true}, usersConfig())
	c, _ := ts.dial(t)
	expect(t, c, 250, "EHLO client.test")

	msg := expect(t, c, 530, "MAIL FROM:<a@x>")
	assert.Equal(t, "5.7.0 Authentication required", msg)

	expect(t, c, 235, "AUTH PLAIN %s", plainAuth("app", "s3cret"))
	expect(t, c, 250, "MAIL FROM:<a@x>")
}

func TestSessionStartTLS(t *testing.T) {
	ts := startTestServer(t, &Config{TLS: selfSignedTLS(t)}, usersConfig())
	c, conn := ts.dial(t)

	expect(t, c, 250, "EHLO client.test")
	expect(t, c, 220, "STARTTLS")

	tlsConn := tls.Client(conn, &tls.Config{ServerName: "relay.test", InsecureSkipVerify: true})
	require.NoError(t, tlsConn.Handshake())
	c = textproto.NewConn(tlsConn)

	// The greeting is forgotten by the upgrade
	expect(t, c, 503, "MAIL FROM:<a@x>")

	ehlo := expect(t, c, 250, "EHLO client.test")
	assert.NotContains(t, ehlo, "STARTTLS")
	assert.Contains(t, ehlo, "AUTH PLAIN LOGIN")
	expect(t, c, 503, "STARTTLS")

	expect(t, c, 235, "AUTH PLAIN %s", plainAuth("app", "s3cret"))
	id := sendMessage(t, c, "a@x", []string{"b@x"}, "Subject: tls\n\nsecret\n")
	assert.Contains(t, ts.readQueued(t, id), "with ESMTPSA id "+id)
}

func TestSessionStartTLSUnavailable(t *testing.T) {
	ts := startTestServer(t, &Config{}, testReceiveConfig())
	c, _ := ts.dial(t)
	expect(t, c, 250, "EHLO client.test")
	expect(t, c, 454, "STARTTLS")
}

func TestSessionImplicitTLS(t *testing.T) {
	ts := startTestServer(t, &Config{TLS: selfSignedTLS(t), Secure: true}, testReceiveConfig())

	conn, err := tls.Dial("tcp", ts.addr, &tls.Config{ServerName: "relay.test", InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	c := textproto.NewConn(conn)
	code, _ := read(t, c)
	require.Equal(t, 220, code)

	ehlo := expect(t, c, 250, "EHLO client.test")
	assert.NotContains(t, ehlo, "STARTTLS")

	id := sendMessage(t, c, "a@x", []string{"b@x"}, "Subject: tls\n\nhi\n")
	assert.Contains(t, ts.readQueued(t, id), "with ESMTPS id "+id)
}

func TestServerShutdownIdleSession(t *testing.T) {
	ts := startTestServer(t, &Config{}, testReceiveConfig())
	c, _ := ts.dial(t)
	expect(t, c, 250, "EHLO client.test")

	require.NoError(t, ts.srv.Close())

	code, msg := read(t, c)
	assert.Equal(t, 421, code)
	assert.Equal(t, "4.3.2 Service shutting down", msg)

	assert.NoError(t, ts.srv.Wait())

	_, err := net.DialTimeout("tcp", ts.addr, time.Second)
	assert.Error(t, err)
}

func TestServerShutdownFinishesMessage(t *testing.T) {
	ts := startTestServer(t, &Config{}, testReceiveConfig())
	c, _ := ts.dial(t)
	expect(t, c, 250, "EHLO client.test")
	expect(t, c, 250, "MAIL FROM:<a@x>")
	expect(t, c, 250, "RCPT TO:<b@x>")
	expect(t, c, 354, "DATA")
	require.NoError(t, c.PrintfLine("Subject: in flight"))
	require.NoError(t, c.PrintfLine(""))

	require.NoError(t, ts.srv.Close())
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, c.PrintfLine("still here"))
	code, msg := send(t, c, ".")
	require.Equal(t, 250, code, msg)

	code, _ = read(t, c)
	assert.Equal(t, 421, code)
	assert.NoError(t, ts.srv.Wait())

	data := ts.readQueued(t, strings.TrimPrefix(msg, "2.0.0 Ok: queued as "))
	assert.Contains(t, data, "still here")
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		args   string
		prefix string
		addr   string
		params []string
		ok     bool
	}{
		{"FROM:<a@x>", "FROM:", "a@x", nil, true},
		{"from: <a@x> SIZE=10", "FROM:", "a@x", []string{"SIZE=10"}, true},
		{"FROM:<>", "FROM:", "", nil, true},
		{"FROM:a@x", "FROM:", "a@x", nil, true},
		{"TO:<@r1,@r2:b@x>", "TO:", "b@x", nil, true},
		{"TO:<b@x", "TO:", "", nil, false},
		{"b@x", "TO:", "", nil, false},
		{"TO:", "TO:", "", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.args, func(t *testing.T) {
			addr, params, ok := parsePath(tt.args, tt.prefix)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.addr, addr)
				if len(tt.params) == 0 {
					assert.Empty(t, params)
				} else {
					assert.Equal(t, tt.params, params)
				}
			}
		})
	}
}
