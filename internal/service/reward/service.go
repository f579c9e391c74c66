package reward

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/adwatch/cagnotte/internal/service/auth"
	"github.com/adwatch/cagnotte/internal/service/ledger"
	"github.com/adwatch/cagnotte/pkg/config"
)

var (
	// ErrSecretNotConfigured is returned when no shared secret is set. A
	// missing secret is a fatal misconfiguration, never a silent pass-through.
	ErrSecretNotConfigured = errors.New("payout secret not configured")
	// ErrBadSecret is returned when the provided secret does not match.
	ErrBadSecret = errors.New("invalid payout secret")
	// ErrInvalidPayload is returned for a missing subject or non-positive amount.
	ErrInvalidPayload = errors.New("invalid payout payload")
)

// The ad network is loose about field names, so parsing tries each alias in
// priority order before validation sees a single typed Callback.
var (
	subjectFields = []string{"subid", "sub_id", "user_id"}
	amountFields  = []string{"amount", "payout", "reward"}
)

// Callback is the normalized payout notification.
type Callback struct {
	Secret  string
	Subject string
	Amount  decimal.Decimal
}

// ParseCallback extracts a Callback from the request query and JSON body.
// Body fields win over query parameters; the secret may arrive in either.
// Malformed values are left zero and rejected by Payout validation.
func ParseCallback(query url.Values, body []byte) Callback {
	fields := map[string]string{}
	if len(bytes.TrimSpace(body)) > 0 {
		raw := map[string]any{}
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&raw); err == nil {
			for key, value := range raw {
				switch v := value.(type) {
				case string:
					fields[key] = v
				case json.Number:
					fields[key] = v.String()
				}
			}
		}
	}

	lookup := func(keys ...string) string {
		for _, key := range keys {
			if v, ok := fields[key]; ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		for _, key := range keys {
			if v := strings.TrimSpace(query.Get(key)); v != "" {
				return v
			}
		}
		return ""
	}

	cb := Callback{
		Secret:  lookup("secret"),
		Subject: lookup(subjectFields...),
	}
	if raw := lookup(amountFields...); raw != "" {
		if amount, err := decimal.NewFromString(raw); err == nil {
			cb.Amount = amount
		}
	}
	return cb
}

// Service ingests third-party payout callbacks.
type Service struct {
	ledger ledger.Service
	logger *slog.Logger
	cfg    config.APIConfig
}

// New constructs a Service.
func New(ledgerSvc ledger.Service, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{ledger: ledgerSvc, logger: logger, cfg: cfg}
}

// Payout authorizes and applies an external payout. On success the caller
// gets a bare acknowledgement; the new balance is never reported back to the
// ad network.
func (s Service) Payout(ctx context.Context, cb Callback) error {
	secret := s.cfg.KiwiwallSecret
	if secret == "" {
		s.logger.Error("payout secret not configured")
		return ErrSecretNotConfigured
	}
	if subtle.ConstantTimeCompare([]byte(cb.Secret), []byte(secret)) != 1 {
		s.logger.Warn("payout rejected", "reason", "bad secret")
		return ErrBadSecret
	}
	if cb.Subject == "" || !cb.Amount.IsPositive() {
		return ErrInvalidPayload
	}

	// The network conflates its opaque subid with our email addressing key.
	// Anything containing '@' is treated as an email and normalized; the rest
	// passes through untouched.
	key := cb.Subject
	if strings.Contains(key, "@") {
		key = auth.NormalizeEmail(key)
	}

	if err := s.ledger.CreditByEmail(ctx, key, cb.Amount); err != nil {
		return err
	}
	s.logger.Info("payout credited", "subject", key, "amount", cb.Amount.String())
	return nil
}
