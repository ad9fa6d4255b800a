package certgen

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePair(t *testing.T, certPEM, keyPEM []byte) (string, string) {
	t.Helper()
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	require.NoError(t, os.WriteFile(certPath, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))
	return certPath, keyPath
}

func TestSelfSigned_Hosts(t *testing.T) {
	certPEM, keyPEM, err := SelfSigned([]string{"localhost", "127.0.0.1"}, 24*time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, keyPEM)

	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cert.Subject.CommonName)
	assert.Equal(t, []string{"localhost"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", cert.IPAddresses[0].String())
	assert.Contains(t, cert.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), cert.NotAfter, time.Minute)
	assert.NoError(t, cert.VerifyHostname("localhost"))
}

func TestSelfSigned_NoHosts(t *testing.T) {
	_, _, err := SelfSigned(nil, time.Hour)
	assert.Error(t, err)
}

func TestLoadServerConfig_Success(t *testing.T) {
	certPEM, keyPEM, err := SelfSigned([]string{"localhost"}, time.Hour)
	require.NoError(t, err)
	certPath, keyPath := writePair(t, certPEM, keyPEM)

	cfg, err := LoadServerConfig(certPath, keyPath)
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}

func TestLoadServerConfig_Errors(t *testing.T) {
	certPEM, keyPEM, err := SelfSigned([]string{"localhost"}, time.Hour)
	require.NoError(t, err)
	otherCert, _, err := SelfSigned([]string{"example.com"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name    string
		cert    []byte
		key     []byte
		missing bool
		wantErr string
	}{
		{name: "missing files", missing: true, wantErr: "read tls cert"},
		{name: "bad cert pem", cert: []byte("nope"), key: keyPEM, wantErr: "invalid certificate PEM"},
		{name: "bad key pem", cert: certPEM, key: []byte("nope"), wantErr: "invalid key PEM"},
		{
			name:    "unsupported key",
			cert:    certPEM,
			key:     pem.EncodeToMemory(&pem.Block{Type: "DSA PRIVATE KEY", Bytes: []byte{1}}),
			wantErr: "unsupported key type",
		},
		{name: "mismatched pair", cert: otherCert, key: keyPEM, wantErr: "load key pair"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			certPath, keyPath := filepath.Join(t.TempDir(), "none.crt"), filepath.Join(t.TempDir(), "none.key")
			if !tt.missing {
				certPath, keyPath = writePair(t, tt.cert, tt.key)
			}
			_, err := LoadServerConfig(certPath, keyPath)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
