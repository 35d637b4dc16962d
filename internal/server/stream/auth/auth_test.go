package auth_test

import (
	"bufio"
	"net"
	"regexp"
	"testing"

	"github.com/Alia5/VCOM/internal/server/stream/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	key, err := auth.GenerateKey()
	require.NoError(t, err)
	assert.Len(t, key, auth.AutoGenKeyLength)
	assert.Regexp(t, regexp.MustCompile("^[0-9A-Za-z]+$"), key)

	other, err := auth.GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestDeriveKey(t *testing.T) {
	key, err := auth.DeriveKey("hunter2")
	require.NoError(t, err)
	assert.Len(t, key, 32)

	again, err := auth.DeriveKey("hunter2")
	require.NoError(t, err)
	assert.Equal(t, key, again)

	other, err := auth.DeriveKey("hunter3")
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestDeriveKeyEmptyPassword(t *testing.T) {
	_, err := auth.DeriveKey("")
	assert.Error(t, err)
}

func TestDeriveSessionKey(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	cn := []byte("client-nonce-client-nonce-client")
	sn := []byte("server-nonce-server-nonce-server")

	sk := auth.DeriveSessionKey(key, sn, cn)
	assert.Len(t, sk, 32)
	assert.Equal(t, sk, auth.DeriveSessionKey(key, sn, cn))
	assert.NotEqual(t, sk, auth.DeriveSessionKey(key, cn, sn))
}

func handshakePair(t *testing.T, clientKey, serverKey []byte) (clientErr, serverErr error, clientSession, serverSession []byte) {
	t.Helper()
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		r := bufio.NewReader(s)
		ok, err := auth.IsAuthHandshake(r)
		if err != nil || !ok {
			serverErr = err
			return
		}
		cn, sn, err := auth.HandleAuthHandshake(r, s, serverKey, false)
		if err != nil {
			serverErr = err
			s.Close()
			return
		}
		serverSession = auth.DeriveSessionKey(serverKey, sn, cn)
	}()

	cn, sn, err := auth.HandleAuthHandshake(bufio.NewReader(c), c, clientKey, true)
	clientErr = err
	if err == nil {
		clientSession = auth.DeriveSessionKey(clientKey, sn, cn)
	}
	<-serverDone
	return
}

func TestHandshakeMatchingKeys(t *testing.T) {
	key, err := auth.DeriveKey("sesame")
	require.NoError(t, err)

	clientErr, serverErr, cs, ss := handshakePair(t, key, key)
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	require.Len(t, cs, 32)
	assert.Equal(t, cs, ss)
}

func TestHandshakeWrongKeyRejected(t *testing.T) {
	good, err := auth.DeriveKey("sesame")
	require.NoError(t, err)
	bad, err := auth.DeriveKey("guess")
	require.NoError(t, err)

	clientErr, serverErr, _, _ := handshakePair(t, bad, good)
	assert.ErrorIs(t, serverErr, auth.ErrUnauthorized)
	assert.Error(t, clientErr)
}

func TestIsAuthHandshakeNonMagic(t *testing.T) {
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()

	go func() { _, _ = c.Write([]byte("GET / HTTP/1.1\r\n")) }()

	ok, err := auth.IsAuthHandshake(bufio.NewReader(s))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWrappedConnRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	c, s := net.Pipe()
	wc, err := auth.WrapConn(c, key)
	require.NoError(t, err)
	ws, err := auth.WrapConn(s, key)
	require.NoError(t, err)
	defer wc.Close()
	defer ws.Close()

	go func() {
		_, _ = wc.Write([]byte("hello"))
		_, _ = wc.Write([]byte("world"))
	}()

	buf := make([]byte, 5)
	for _, want := range []string{"hello", "world"} {
		n, err := ws.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, want, string(buf[:n]))
	}
}

func TestWrappedConnRejectsTamperedKey(t *testing.T) {
	key := make([]byte, 32)
	other := make([]byte, 32)
	other[0] = 1

	c, s := net.Pipe()
	wc, err := auth.WrapConn(c, key)
	require.NoError(t, err)
	ws, err := auth.WrapConn(s, other)
	require.NoError(t, err)
	defer wc.Close()
	defer ws.Close()

	go func() { _, _ = wc.Write([]byte("secret")) }()

	_, err = ws.Read(make([]byte, 16))
	assert.Error(t, err)
}
