package signing

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/xml"
	"fmt"

	"emisor/internal/core/apperror"
	"emisor/internal/core/fiscal"
	coresigning "emisor/internal/core/signing"
	"emisor/internal/core/tenant"
	"emisor/pkg/accesskey"
)

// canonicalDocument is the XML representation the authority receives.
// Field order is fixed; the canonical bytes double as the deterministic
// input of the access key's numeric code.
type canonicalDocument struct {
	XMLName       xml.Name        `xml:"fiscalDocument"`
	AccessKey     string          `xml:"accessKey,omitempty"`
	DocType       string          `xml:"docType"`
	Environment   string          `xml:"environment"`
	FiscalID      string          `xml:"issuerFiscalId"`
	LegalName     string          `xml:"issuerLegalName"`
	Establishment string          `xml:"establishment"`
	EmissionPoint string          `xml:"emissionPoint"`
	Sequential    string          `xml:"sequential"`
	IssuedAt      string          `xml:"issuedAt"`
	Customer      string          `xml:"customerFiscalId"`
	CustomerName  string          `xml:"customerName"`
	Lines         []canonicalLine `xml:"lines>line"`
	Subtotal      string          `xml:"subtotal"`
	Total         string          `xml:"total"`
}

type canonicalLine struct {
	Description string `xml:"description"`
	Quantity    string `xml:"quantity"`
	UnitPrice   string `xml:"unitPrice"`
	Discount    string `xml:"discount"`
	Total       string `xml:"total"`
}

// signedEnvelope wraps the canonical document with its signature block.
type signedEnvelope struct {
	XMLName     xml.Name          `xml:"signedDocument"`
	Document    canonicalDocument `xml:"fiscalDocument"`
	SignatureB  string            `xml:"signature>value"`
	Certificate string            `xml:"signature>certificate"`
	Algorithm   string            `xml:"signature>algorithm"`
}

const signatureAlgorithm = "rsa-sha256"

// EnvelopeSigner signs numbered documents. The credential is acquired per
// call and wiped before returning, success or not.
type EnvelopeSigner struct {
	credentials coresigning.CredentialSource
}

// Ensure compile-time interface compliance.
var _ coresigning.Signer = (*EnvelopeSigner)(nil)

// NewEnvelopeSigner creates the signer.
func NewEnvelopeSigner(credentials coresigning.CredentialSource) *EnvelopeSigner {
	return &EnvelopeSigner{credentials: credentials}
}

// Sign derives the access key and produces the signed payload.
// Deterministic access key: the same numbered document always yields the
// same key; two documents differing in sequence number never collide.
func (s *EnvelopeSigner) Sign(ctx context.Context, t *tenant.Tenant, doc *fiscal.Document) (*coresigning.Result, error) {
	if doc.Sequential == 0 {
		return nil, apperror.NewValidation("cannot sign an unnumbered document")
	}

	canonical := buildCanonical(t, doc)

	// Numeric code from the canonical bytes before the access key is set
	body, err := xml.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("encode canonical document: %w", err)
	}

	key, err := accesskey.Derive(accesskey.Input{
		IssuedAt:      doc.IssuedAt,
		DocType:       doc.DocType,
		FiscalID:      t.FiscalID,
		Environment:   t.Environment.Code(),
		Establishment: doc.Establishment,
		EmissionPoint: doc.EmissionPoint,
		Sequential:    doc.Sequential,
		NumericCode:   accesskey.Code(body),
	})
	if err != nil {
		return nil, apperror.NewValidation(err.Error())
	}

	canonical.AccessKey = key
	signable, err := xml.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("encode canonical document: %w", err)
	}

	cred, err := s.credentials.Load(ctx, t)
	if err != nil {
		return nil, err
	}
	defer cred.Wipe()

	digest := sha256.Sum256(signable)
	signature, err := rsa.SignPKCS1v15(rand.Reader, cred.PrivateKey, crypto.SHA256, digest[:])
	if err != nil {
		return nil, apperror.NewCredentialInvalid(t.ID.String(), err)
	}

	envelope := signedEnvelope{
		Document:    canonical,
		SignatureB:  base64.StdEncoding.EncodeToString(signature),
		Certificate: base64.StdEncoding.EncodeToString(cred.Certificate.Raw),
		Algorithm:   signatureAlgorithm,
	}

	payload, err := xml.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode signed envelope: %w", err)
	}

	return &coresigning.Result{
		AccessKey: key,
		Payload:   append([]byte(xml.Header), payload...),
	}, nil
}

func buildCanonical(t *tenant.Tenant, doc *fiscal.Document) canonicalDocument {
	lines := make([]canonicalLine, len(doc.Lines))
	for i, l := range doc.Lines {
		lines[i] = canonicalLine{
			Description: l.Description,
			Quantity:    l.Quantity.String(),
			UnitPrice:   l.UnitPrice.String(),
			Discount:    l.Discount.String(),
			Total:       l.Total().String(),
		}
	}

	return canonicalDocument{
		DocType:       doc.DocType,
		Environment:   t.Environment.Code(),
		FiscalID:      t.FiscalID,
		LegalName:     t.LegalName,
		Establishment: doc.Establishment,
		EmissionPoint: doc.EmissionPoint,
		Sequential:    fmt.Sprintf("%09d", doc.Sequential),
		IssuedAt:      doc.IssuedAt.UTC().Format("2006-01-02"),
		Customer:      doc.CustomerFiscalID,
		CustomerName:  doc.CustomerName,
		Lines:         lines,
		Subtotal:      doc.Subtotal.String(),
		Total:         doc.Total.String(),
	}
}
