package identity

import (
	"context"
	"crypto/tls"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/ztproxy/internal/testutil"
)

const testIdentity = "spiffe://cluster.local/ns/default/sa/test"

func TestNewFileProvider(t *testing.T) {
	t.Parallel()

	pki := testutil.NewPKI(t, testIdentity)

	p, err := NewFileProvider(pki.CertFile, pki.KeyFile, pki.CAFile)
	require.NoError(t, err)

	cert, err := p.FetchCertificate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cert)
	assert.NotNil(t, p.Roots())

	_, err = NewFileProvider(pki.CertFile, pki.KeyFile, "")
	require.Error(t, err)

	_, err = NewFileProvider(pki.CertFile, pki.KeyFile, pki.CertFile+".missing")
	require.Error(t, err)
}

func TestRotate(t *testing.T) {
	t.Parallel()

	pki := testutil.NewPKI(t, testIdentity)
	p, err := NewFileProvider(pki.CertFile, pki.KeyFile, pki.CAFile)
	require.NoError(t, err)
	before, _ := p.FetchCertificate(context.Background())

	next := testutil.NewPKI(t, testIdentity)
	for src, dst := range map[string]string{next.CertFile: pki.CertFile, next.KeyFile: pki.KeyFile, next.CAFile: pki.CAFile} {
		b, err := os.ReadFile(src)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(dst, b, 0o600))
	}

	require.NoError(t, p.Rotate())
	after, _ := p.FetchCertificate(context.Background())
	assert.NotEqual(t, before.Certificate[0], after.Certificate[0])
}

func TestMutualTLS(t *testing.T) {
	t.Parallel()

	pki := testutil.NewPKI(t, testIdentity)
	p, err := NewFileProvider(pki.CertFile, pki.KeyFile, pki.CAFile)
	require.NoError(t, err)

	other := testutil.NewPKI(t, testIdentity)
	untrusted, err := NewFileProvider(other.CertFile, other.KeyFile, other.CAFile)
	require.NoError(t, err)

	tests := []struct {
		name     string
		client   CertificateProvider
		expected string
		wantErr  bool
	}{
		{name: "no identity check", client: p},
		{name: "identity match", client: p, expected: testIdentity},
		{name: "identity mismatch", client: p, expected: "spiffe://cluster.local/ns/other/sa/x", wantErr: true},
		{name: "untrusted chain", client: untrusted, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c1, c2 := testutil.TCPPair(t)

			srv := tls.Server(c1, ServerConfig(p))
			cli := tls.Client(c2, ClientConfig(tt.client, tt.expected))

			var g errgroup.Group
			g.Go(func() error {
				err := srv.HandshakeContext(context.Background())
				if err != nil {
					_ = c1.Close()
				}
				return err
			})
			cliErr := cli.HandshakeContext(context.Background())
			if cliErr != nil {
				_ = c2.Close()
			}
			srvErr := g.Wait()

			if tt.wantErr {
				assert.True(t, cliErr != nil || srvErr != nil)
				return
			}
			require.NoError(t, cliErr)
			require.NoError(t, srvErr)
			assert.Equal(t, "h2", cli.ConnectionState().NegotiatedProtocol)
		})
	}
}
