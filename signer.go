package acm

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"time"
)

// signContext carries the fields the sign string is built from. For
// single-item endpoints tenant/group are the item's own tenant/group; for
// listener (long-poll) endpoints, group is the first listener's group.
type signContext struct {
	tenant string
	group  string
}

// signer computes per-request HMAC signatures and assembles auth headers.
type signer struct {
	accessKey         string
	secretKey         string
	securityTokenFunc func() string
}

func newSigner(cfg *Config) *signer {
	return &signer{
		accessKey:         cfg.AccessKey,
		secretKey:         cfg.SecretKey,
		securityTokenFunc: cfg.SecurityTokenFunc,
	}
}

// signString builds "{tenant}+{group}+{timestamp}", or "{group}+{timestamp}"
// when tenant is empty. The separator is a literal '+'; the signer never
// mutates its inputs.
func signString(ctx signContext, timestampMS string) string {
	if ctx.tenant == "" {
		return ctx.group + "+" + timestampMS
	}
	return ctx.tenant + "+" + ctx.group + "+" + timestampMS
}

// Sign returns the headers to attach to an outbound request. Deterministic:
// equal (tenant, group, timestamp) with equal secretKey produce bit-identical
// signatures.
func (s *signer) Sign(ctx signContext) map[string]string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return s.signAt(ctx, ts)
}

func (s *signer) signAt(ctx signContext, timestampMS string) map[string]string {
	headers := map[string]string{
		"Spas-AccessKey": s.accessKey,
		"Timestamp":      timestampMS,
	}
	if s.securityTokenFunc != nil {
		if tok := s.securityTokenFunc(); tok != "" {
			headers["Spas-SecurityToken"] = tok
		}
	}
	mac := hmac.New(sha1.New, []byte(s.secretKey))
	mac.Write([]byte(signString(ctx, timestampMS)))
	headers["Spas-Signature"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return headers
}
