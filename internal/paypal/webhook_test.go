package paypal

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"bounty-escrow-go/internal/models"
)

type signer struct {
	key     *rsa.PrivateKey
	cert    *x509.Certificate
	certPEM []byte
}

const testCertSubject = "messageverificationcerts.paypal.test"

func newSigner(t *testing.T) *signer {
	t.Helper()
	return newSignerFor(t, pkix.Name{CommonName: testCertSubject}, nil)
}

func newSignerFor(t *testing.T, subject pkix.Name, dnsNames []string) *signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               subject,
		DNSNames:              dnsNames,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}

	return &signer{
		key:     key,
		cert:    cert,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

func (s *signer) sign(t *testing.T, transmissionId, transmissionTime, webhookId string, body []byte) string {
	t.Helper()
	digest := sha256.Sum256([]byte(SignedString(transmissionId, transmissionTime, webhookId, body)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig)
}

// setupVerifier serves the signer's certificate over TLS and returns a verifier
// that trusts it, plus the certificate URL and a fetch counter.
func setupVerifier(t *testing.T, s *signer) (*WebhookVerifier, string, *atomic.Int32) {
	t.Helper()
	fetches := &atomic.Int32{}
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_, _ = w.Write(s.certPEM)
	}))
	t.Cleanup(server.Close)

	parsed, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("Failed to parse server url: %v", err)
	}

	verifier, err := NewWebhookVerifier(models.PayPalConfig{
		WebhookId:    "WH-CONFIG-1",
		CertHosts:    []string{parsed.Hostname()},
		CertSubjects: []string{testCertSubject},
	})
	if err != nil {
		t.Fatalf("NewWebhookVerifier failed: %v", err)
	}
	verifier.httpClient = *server.Client()
	verifier.roots = x509.NewCertPool()
	verifier.roots.AddCert(s.cert)

	return verifier, server.URL + "/certs/CERT-360caa42-fca2a594", fetches
}

func TestSignedString(t *testing.T) {
	got := SignedString("tx-1", "2024-01-01T00:00:00Z", "WH-1", []byte("hello"))
	expected := "tx-1|2024-01-01T00:00:00Z|WH-1|907060870"
	if got != expected {
		t.Errorf("Expected %s, got %s", expected, got)
	}
}

func TestVerify_ValidSignature(t *testing.T) {
	s := newSigner(t)
	verifier, certURL, fetches := setupVerifier(t, s)
	body := []byte(`{"id":"WH-EVT-1","event_type":"PAYMENT.CAPTURE.COMPLETED"}`)

	headers := WebhookHeaders{
		TransmissionId:   "tx-1",
		TransmissionTime: "2024-01-01T00:00:00Z",
		CertURL:          certURL,
		AuthAlgo:         "SHA256withRSA",
	}
	headers.TransmissionSig = s.sign(t, headers.TransmissionId, headers.TransmissionTime, "WH-CONFIG-1", body)

	for i := 0; i < 2; i++ {
		if err := verifier.Verify(context.Background(), headers, body); err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
	}
	if fetches.Load() != 1 {
		t.Errorf("Expected certificate to be fetched once, got %d", fetches.Load())
	}
}

func TestVerify_Rejections(t *testing.T) {
	s := newSigner(t)
	verifier, certURL, _ := setupVerifier(t, s)
	body := []byte(`{"id":"WH-EVT-1"}`)

	valid := WebhookHeaders{
		TransmissionId:   "tx-1",
		TransmissionTime: "2024-01-01T00:00:00Z",
		CertURL:          certURL,
		AuthAlgo:         "SHA256withRSA",
	}
	valid.TransmissionSig = s.sign(t, valid.TransmissionId, valid.TransmissionTime, "WH-CONFIG-1", body)

	tests := []struct {
		name    string
		headers func(h WebhookHeaders) WebhookHeaders
		body    []byte
	}{
		{"tampered body", func(h WebhookHeaders) WebhookHeaders { return h }, []byte(`{"id":"WH-EVT-2"}`)},
		{"missing signature", func(h WebhookHeaders) WebhookHeaders { h.TransmissionSig = ""; return h }, body},
		{"unsupported algorithm", func(h WebhookHeaders) WebhookHeaders { h.AuthAlgo = "SHA1withRSA"; return h }, body},
		{"other transmission id", func(h WebhookHeaders) WebhookHeaders { h.TransmissionId = "tx-2"; return h }, body},
		{"disallowed host", func(h WebhookHeaders) WebhookHeaders { h.CertURL = "https://attacker.example/cert.pem"; return h }, body},
		{"plain http", func(h WebhookHeaders) WebhookHeaders { h.CertURL = "http://127.0.0.1/cert.pem"; return h }, body},
		{"garbage signature", func(h WebhookHeaders) WebhookHeaders { h.TransmissionSig = "not-base64!"; return h }, body},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifier.Verify(context.Background(), tt.headers(valid), tt.body)
			if !errors.Is(err, ErrInvalidSignature) {
				t.Errorf("Expected ErrInvalidSignature, got %v", err)
			}
		})
	}
}

func TestVerify_UntrustedCertificate(t *testing.T) {
	trusted := newSigner(t)
	rogue := newSigner(t)
	verifier, certURL, _ := setupVerifier(t, rogue)
	verifier.roots = x509.NewCertPool()
	verifier.roots.AddCert(trusted.cert)

	body := []byte(`{"id":"WH-EVT-1"}`)
	headers := WebhookHeaders{
		TransmissionId:   "tx-1",
		TransmissionTime: "2024-01-01T00:00:00Z",
		CertURL:          certURL,
		AuthAlgo:         "SHA256withRSA",
	}
	headers.TransmissionSig = rogue.sign(t, headers.TransmissionId, headers.TransmissionTime, "WH-CONFIG-1", body)

	if err := verifier.Verify(context.Background(), headers, body); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature for untrusted cert, got %v", err)
	}
}

func TestVerify_CertificateSubject(t *testing.T) {
	tests := []struct {
		name     string
		subject  pkix.Name
		dnsNames []string
		valid    bool
	}{
		{"matching common name", pkix.Name{CommonName: testCertSubject}, nil, true},
		{"matching dns name", pkix.Name{CommonName: "PayPal signing"}, []string{"other.paypal.test", testCertSubject}, true},
		{"other common name", pkix.Name{CommonName: "www.attacker.example"}, nil, false},
		{"other dns name", pkix.Name{CommonName: testCertSubject}, []string{"www.attacker.example"}, false},
	}

	body := []byte(`{"id":"WH-EVT-1"}`)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSignerFor(t, tt.subject, tt.dnsNames)
			verifier, certURL, _ := setupVerifier(t, s)
			headers := WebhookHeaders{
				TransmissionId:   "tx-1",
				TransmissionTime: "2024-01-01T00:00:00Z",
				CertURL:          certURL,
				AuthAlgo:         "SHA256withRSA",
			}
			headers.TransmissionSig = s.sign(t, headers.TransmissionId, headers.TransmissionTime, "WH-CONFIG-1", body)

			err := verifier.Verify(context.Background(), headers, body)
			if tt.valid && err != nil {
				t.Errorf("Expected valid signature, got %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidSignature) {
				t.Errorf("Expected ErrInvalidSignature, got %v", err)
			}
		})
	}
}

func TestNewWebhookVerifier_RequiresSubjects(t *testing.T) {
	_, err := NewWebhookVerifier(models.PayPalConfig{WebhookId: "WH-1", CertHosts: []string{"api.paypal.com"}})
	if err == nil {
		t.Error("Expected an error without certificate subjects")
	}
}

func TestVerify_MissingHeadersInOrder(t *testing.T) {
	verifier := &WebhookVerifier{}
	err := verifier.Verify(context.Background(), WebhookHeaders{TransmissionTime: "t", CertURL: "https://api.paypal.com/cert"}, nil)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Expected ErrInvalidSignature, got %v", err)
	}
	expected := "missing headers PAYPAL-TRANSMISSION-ID, PAYPAL-TRANSMISSION-SIG, PAYPAL-AUTH-ALGO"
	for i := 0; i < 10; i++ {
		if !strings.HasSuffix(err.Error(), expected) {
			t.Fatalf("Expected error ending in %q, got %q", expected, err.Error())
		}
		err = verifier.Verify(context.Background(), WebhookHeaders{TransmissionTime: "t", CertURL: "https://api.paypal.com/cert"}, nil)
	}
}

func TestHeadersFrom(t *testing.T) {
	h := http.Header{}
	h.Set("PAYPAL-TRANSMISSION-ID", "tx-1")
	h.Set("PAYPAL-TRANSMISSION-TIME", "t")
	h.Set("PAYPAL-TRANSMISSION-SIG", "sig")
	h.Set("PAYPAL-CERT-URL", "https://api.paypal.com/cert")
	h.Set("PAYPAL-AUTH-ALGO", "SHA256withRSA")

	headers := HeadersFrom(h)
	if headers.TransmissionId != "tx-1" || headers.CertURL != "https://api.paypal.com/cert" {
		t.Errorf("Unexpected headers %+v", headers)
	}
	if len(headers.missing()) != 0 {
		t.Errorf("Expected no missing headers, got %v", headers.missing())
	}
}

func TestAllowedHost(t *testing.T) {
	verifier := &WebhookVerifier{certHosts: []string{"paypal.com"}}
	tests := []struct {
		host     string
		expected bool
	}{
		{"api.paypal.com", true},
		{"paypal.com", true},
		{"PAYPAL.COM", true},
		{"evilpaypal.com", false},
		{"paypal.com.evil.example", false},
	}
	for _, tt := range tests {
		if got := verifier.allowedHost(tt.host); got != tt.expected {
			t.Errorf("allowedHost(%s): expected %v, got %v", tt.host, tt.expected, got)
		}
	}
}
