package paypal

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"bounty-escrow-go/internal/models"

	"go.uber.org/zap"
)

const supportedAuthAlgo = "SHA256withRSA"

// maxCertSize bounds the certificate download.
const maxCertSize = 64 << 10

// WebhookHeaders are the transmission headers PayPal signs a webhook with.
type WebhookHeaders struct {
	TransmissionId   string
	TransmissionTime string
	TransmissionSig  string
	CertURL          string
	AuthAlgo         string
}

// HeadersFrom extracts the signature headers from an inbound request.
func HeadersFrom(h http.Header) WebhookHeaders {
	return WebhookHeaders{
		TransmissionId:   h.Get("Paypal-Transmission-Id"),
		TransmissionTime: h.Get("Paypal-Transmission-Time"),
		TransmissionSig:  h.Get("Paypal-Transmission-Sig"),
		CertURL:          h.Get("Paypal-Cert-Url"),
		AuthAlgo:         h.Get("Paypal-Auth-Algo"),
	}
}

// missing lists absent headers in a fixed order.
func (h WebhookHeaders) missing() []string {
	var missing []string
	for _, header := range []struct{ name, value string }{
		{"PAYPAL-TRANSMISSION-ID", h.TransmissionId},
		{"PAYPAL-TRANSMISSION-TIME", h.TransmissionTime},
		{"PAYPAL-TRANSMISSION-SIG", h.TransmissionSig},
		{"PAYPAL-CERT-URL", h.CertURL},
		{"PAYPAL-AUTH-ALGO", h.AuthAlgo},
	} {
		if header.value == "" {
			missing = append(missing, header.name)
		}
	}
	return missing
}

// WebhookVerifier checks webhook signatures offline: the signed string is
// "<transmissionId>|<transmissionTime>|<webhookId>|<crc32(body)>", signed with
// SHA256withRSA by the certificate served at PAYPAL-CERT-URL.
type WebhookVerifier struct {
	webhookId    string
	certHosts    []string
	certSubjects []string
	httpClient   http.Client
	roots        *x509.CertPool // nil uses the system roots
	now          func() time.Time

	mu    sync.Mutex
	certs map[string]*x509.Certificate
}

func NewWebhookVerifier(cfg models.PayPalConfig) (*WebhookVerifier, error) {
	if cfg.WebhookId == "" {
		return nil, fmt.Errorf("paypal webhook id cannot be empty")
	}
	if len(cfg.CertHosts) == 0 {
		return nil, fmt.Errorf("at least one paypal certificate host is required")
	}
	if len(cfg.CertSubjects) == 0 {
		return nil, fmt.Errorf("at least one paypal certificate subject is required")
	}

	httpClient, err := createCustomHttpClient(cfg.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("unable to create custom http client: %w", err)
	}

	return &WebhookVerifier{
		webhookId:    cfg.WebhookId,
		certHosts:    cfg.CertHosts,
		certSubjects: cfg.CertSubjects,
		httpClient:   httpClient,
		now:          time.Now,
		certs:        make(map[string]*x509.Certificate),
	}, nil
}

// Verify returns nil only when body carries a valid signature from an allowed
// PayPal certificate. Failures wrap ErrInvalidSignature.
func (v *WebhookVerifier) Verify(ctx context.Context, headers WebhookHeaders, body []byte) error {
	if missing := headers.missing(); len(missing) > 0 {
		return fmt.Errorf("%w: missing headers %s", ErrInvalidSignature, strings.Join(missing, ", "))
	}
	if headers.AuthAlgo != supportedAuthAlgo {
		return fmt.Errorf("%w: unsupported auth algorithm %q", ErrInvalidSignature, headers.AuthAlgo)
	}

	cert, err := v.certificate(ctx, headers.CertURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	publicKey, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: certificate key is not RSA", ErrInvalidSignature)
	}

	signature, err := base64.StdEncoding.DecodeString(headers.TransmissionSig)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64: %v", ErrInvalidSignature, err)
	}

	digest := sha256.Sum256([]byte(SignedString(headers.TransmissionId, headers.TransmissionTime, v.webhookId, body)))
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, digest[:], signature); err != nil {
		zap.L().Warn("Webhook signature mismatch",
			zap.String("transmission_id", headers.TransmissionId),
			zap.String("cert_url", headers.CertURL))
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// SignedString builds the string PayPal signs for a webhook delivery.
func SignedString(transmissionId, transmissionTime, webhookId string, body []byte) string {
	checksum := strconv.FormatUint(uint64(crc32.ChecksumIEEE(body)), 10)
	return strings.Join([]string{transmissionId, transmissionTime, webhookId, checksum}, "|")
}

func (v *WebhookVerifier) certificate(ctx context.Context, certURL string) (*x509.Certificate, error) {
	parsed, err := url.Parse(certURL)
	if err != nil {
		return nil, fmt.Errorf("invalid cert url: %w", err)
	}
	if parsed.Scheme != "https" {
		return nil, fmt.Errorf("cert url must use https, got %q", parsed.Scheme)
	}
	if !v.allowedHost(parsed.Hostname()) {
		return nil, fmt.Errorf("cert host %q is not allowed", parsed.Hostname())
	}

	v.mu.Lock()
	cached, ok := v.certs[certURL]
	v.mu.Unlock()
	if ok && v.now().Before(cached.NotAfter) {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to build cert request: %w", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to download cert: %w", err)
	}
	defer closeBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cert download returned status %d", resp.StatusCode)
	}

	pemBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxCertSize))
	if err != nil {
		return nil, fmt.Errorf("unable to read cert: %w", err)
	}

	cert, err := v.parseAndVerify(pemBytes)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.certs[certURL] = cert
	v.mu.Unlock()

	zap.L().Info("Cached PayPal webhook certificate",
		zap.String("cert_url", certURL),
		zap.String("subject", cert.Subject.CommonName),
		zap.Time("not_after", cert.NotAfter))
	return cert, nil
}

// parseAndVerify decodes a PEM bundle (leaf first) and verifies the leaf chains
// to a trusted root and is issued to one of the configured subjects.
func (v *WebhookVerifier) parseAndVerify(pemBytes []byte) (*x509.Certificate, error) {
	var certs []*x509.Certificate
	for rest := pemBytes; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("unable to parse cert: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificate found in PEM")
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}

	leaf := certs[0]
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("untrusted cert: %w", err)
	}
	if !v.allowedSubject(leaf) {
		return nil, fmt.Errorf("cert issued to %q is not a webhook signing cert", leaf.Subject.CommonName)
	}
	return leaf, nil
}

// allowedSubject matches the leaf's DNS SANs, falling back to its common name
// when it carries none.
func (v *WebhookVerifier) allowedSubject(leaf *x509.Certificate) bool {
	names := leaf.DNSNames
	if len(names) == 0 {
		names = []string{leaf.Subject.CommonName}
	}
	for _, name := range names {
		for _, allowed := range v.certSubjects {
			if strings.EqualFold(name, allowed) {
				return true
			}
		}
	}
	return false
}

func (v *WebhookVerifier) allowedHost(host string) bool {
	host = strings.ToLower(host)
	for _, allowed := range v.certHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}
