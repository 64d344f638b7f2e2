package signing

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/xml"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emisor/internal/core/apperror"
	"emisor/internal/core/fiscal"
	"emisor/internal/core/id"
	coresigning "emisor/internal/core/signing"
	"emisor/internal/core/tenant"
	"emisor/pkg/accesskey"
)

// staticSource hands out a fresh copy of a fixed credential on every load
// so Wipe on one call cannot corrupt the next.
type staticSource struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
	err  error
}

func (s *staticSource) Load(_ context.Context, _ *tenant.Tenant) (*coresigning.Credential, error) {
	if s.err != nil {
		return nil, s.err
	}
	keyCopy := *s.key
	keyCopy.D = new(big.Int).Set(s.key.D)
	keyCopy.Primes = make([]*big.Int, len(s.key.Primes))
	for i, p := range s.key.Primes {
		keyCopy.Primes[i] = new(big.Int).Set(p)
	}
	return &coresigning.Credential{PrivateKey: &keyCopy, Certificate: s.cert}, nil
}

func newStaticSource(t *testing.T) *staticSource {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ACME CIA LTDA"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &staticSource{key: key, cert: cert}
}

func signerTenant() *tenant.Tenant {
	return &tenant.Tenant{
		ID:          id.New(),
		FiscalID:    "1790012345001",
		LegalName:   "ACME CIA LTDA",
		Environment: tenant.EnvTest,
		Status:      tenant.StatusActive,
	}
}

func numberedDocument(t *testing.T, tn *tenant.Tenant) *fiscal.Document {
	t.Helper()

	lines := []fiscal.Line{{
		Description: "widget",
		Quantity:    decimal.NewFromInt(2),
		UnitPrice:   decimal.RequireFromString("10.00"),
	}}
	doc, err := fiscal.NewDocument(tn, fiscal.TypeInvoice, "001", "002", lines,
		"0912345678001", "Cliente SA", time.Date(2026, time.March, 15, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, doc.AttachNumber(42))
	return doc
}

func TestSignProducesValidAccessKey(t *testing.T) {
	src := newStaticSource(t)
	signer := NewEnvelopeSigner(src)
	tn := signerTenant()

	res, err := signer.Sign(context.Background(), tn, numberedDocument(t, tn))
	require.NoError(t, err)

	assert.Len(t, res.AccessKey, accesskey.Length)
	assert.True(t, accesskey.Valid(res.AccessKey))
	assert.True(t, strings.HasPrefix(string(res.Payload), xml.Header))
	assert.Contains(t, string(res.Payload), res.AccessKey)
}

func TestSignDeterministicAccessKey(t *testing.T) {
	src := newStaticSource(t)
	signer := NewEnvelopeSigner(src)
	tn := signerTenant()
	doc := numberedDocument(t, tn)

	a, err := signer.Sign(context.Background(), tn, doc)
	require.NoError(t, err)
	b, err := signer.Sign(context.Background(), tn, doc)
	require.NoError(t, err)

	assert.Equal(t, a.AccessKey, b.AccessKey, "signing the same document twice yields the same key")
}

func TestSignDistinctSequentialsDistinctKeys(t *testing.T) {
	src := newStaticSource(t)
	signer := NewEnvelopeSigner(src)
	tn := signerTenant()

	docA := numberedDocument(t, tn)
	docB := numberedDocument(t, tn)
	docB.Sequential = 43

	a, err := signer.Sign(context.Background(), tn, docA)
	require.NoError(t, err)
	b, err := signer.Sign(context.Background(), tn, docB)
	require.NoError(t, err)

	assert.NotEqual(t, a.AccessKey, b.AccessKey)
}

func TestSignSignatureVerifies(t *testing.T) {
	src := newStaticSource(t)
	signer := NewEnvelopeSigner(src)
	tn := signerTenant()

	res, err := signer.Sign(context.Background(), tn, numberedDocument(t, tn))
	require.NoError(t, err)

	var env struct {
		Document struct {
			Inner []byte `xml:",innerxml"`
		} `xml:"fiscalDocument"`
		Signature struct {
			Value       string `xml:"value"`
			Certificate string `xml:"certificate"`
			Algorithm   string `xml:"algorithm"`
		} `xml:"signature"`
	}
	require.NoError(t, xml.Unmarshal(res.Payload, &env))
	assert.Equal(t, "rsa-sha256", env.Signature.Algorithm)

	sig, err := base64.StdEncoding.DecodeString(env.Signature.Value)
	require.NoError(t, err)

	certDER, err := base64.StdEncoding.DecodeString(env.Signature.Certificate)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)
	assert.Equal(t, src.cert.SerialNumber, cert.SerialNumber)

	// The signature covers the canonical document with its access key set.
	canonical := rebuildSignable(t, tn, res.AccessKey)
	digest := sha256.Sum256(canonical)
	assert.NoError(t, rsa.VerifyPKCS1v15(&src.key.PublicKey, crypto.SHA256, digest[:], sig))
}

func TestSignRejectsUnnumberedDocument(t *testing.T) {
	src := newStaticSource(t)
	signer := NewEnvelopeSigner(src)
	tn := signerTenant()

	doc := numberedDocument(t, tn)
	doc.Sequential = 0

	_, err := signer.Sign(context.Background(), tn, doc)
	assert.True(t, apperror.IsCode(err, apperror.CodeValidation))
}

func TestSignPropagatesCredentialErrors(t *testing.T) {
	src := newStaticSource(t)
	src.err = apperror.NewCredentialMissing("tenant-a")
	signer := NewEnvelopeSigner(src)
	tn := signerTenant()

	_, err := signer.Sign(context.Background(), tn, numberedDocument(t, tn))
	assert.True(t, apperror.IsCredentialError(err))
}

// rebuildSignable reconstructs the exact bytes the signer hashed: the
// canonical document with the access key in place.
func rebuildSignable(t *testing.T, tn *tenant.Tenant, key string) []byte {
	t.Helper()

	doc := numberedDocument(t, tn)
	canonical := buildCanonical(tn, doc)
	canonical.AccessKey = key
	out, err := xml.Marshal(canonical)
	require.NoError(t, err)
	return out
}
