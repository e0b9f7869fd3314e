package audit

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/org/agentwall/internal/crypto"
	"github.com/rs/zerolog/log"
)

const tenantKeyCacheSize = 1024

// Redactor turns payloads into stable per-tenant references so audit events
// can correlate identical payloads without storing them.
type Redactor struct {
	secret []byte
	keys   *lru.Cache[string, []byte]
}

// NewRedactor derives per-tenant keys from secret. An empty secret gets a
// random one, which makes references stable only for the process lifetime.
func NewRedactor(secret string) (*Redactor, error) {
	s := []byte(secret)
	if len(s) == 0 {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		s = key
		log.Warn().Msg("audit.redaction_secret not set, payload references will change on restart")
	}
	keys, err := lru.New[string, []byte](tenantKeyCacheSize)
	if err != nil {
		return nil, err
	}
	return &Redactor{secret: s, keys: keys}, nil
}

// Reference returns "hmac-sha256:<hex>" of payload under the tenant's key.
func (r *Redactor) Reference(tenantID, payload string) string {
	key, ok := r.keys.Get(tenantID)
	if !ok {
		var err error
		key, err = crypto.DeriveKey(r.secret, "agentwall-audit:"+tenantID)
		if err != nil {
			// hkdf only fails past 255*32 bytes of output.
			log.Error().Err(err).Msg("deriving tenant redaction key")
			return ""
		}
		r.keys.Add(tenantID, key)
	}
	return crypto.Fingerprint(key, []byte(payload))
}
