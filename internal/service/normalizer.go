package service

import (
	"regexp"
	"strings"

	"github.com/vanshika/fintrace/riskpipe/internal/domain"
)

var (
	whitespaceRegex = regexp.MustCompile(`\s+`)
	currencyRegex   = regexp.MustCompile(`^[A-Z]{3}$`)
	// Client ids end up in result topic names, so glob metacharacters and whitespace are refused.
	txnIDRegex = regexp.MustCompile(`^[A-Za-z0-9._:/@#-]{1,128}$`)
)

// sanitizeString collapses whitespace and trims the result.
func sanitizeString(value string) string {
	value = whitespaceRegex.ReplaceAllString(value, " ")
	return strings.TrimSpace(value)
}

// normalizeID trims identifiers; interior whitespace is kept so ids round-trip.
func normalizeID(id string) string {
	return strings.TrimSpace(id)
}

// normalizeCurrency upper-cases the ISO code and applies the default.
func normalizeCurrency(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.DefaultCurrency
	}
	return code
}

// normalizeRequest returns a copy of req with canonical field values.
func normalizeRequest(req AssessRequest) AssessRequest {
	req.TxnID = normalizeID(req.TxnID)
	req.UserID = normalizeID(req.UserID)
	req.ReceiverID = normalizeID(req.ReceiverID)
	req.MerchantID = normalizeID(req.MerchantID)
	req.Currency = normalizeCurrency(req.Currency)
	req.TxnType = strings.ToUpper(sanitizeString(req.TxnType))
	req.DeviceFingerprint = sanitizeString(req.DeviceFingerprint)
	return req
}

func validateRequest(req AssessRequest) error {
	switch {
	case req.TxnID != "" && !txnIDRegex.MatchString(req.TxnID):
		return &ValidationError{Field: "txnId", Reason: "must be 1-128 characters of letters, digits or ._:/@#-"}
	case req.UserID == "":
		return &ValidationError{Field: "userId", Reason: "is required"}
	case req.ReceiverID == "":
		return &ValidationError{Field: "receiverId", Reason: "is required"}
	case !req.Amount.Valid:
		return &ValidationError{Field: "amount", Reason: "is required"}
	case req.Amount.Decimal.IsNegative():
		return &ValidationError{Field: "amount", Reason: "must be non-negative"}
	case !currencyRegex.MatchString(req.Currency):
		return &ValidationError{Field: "currency", Reason: "must be a three-letter ISO code"}
	}
	return nil
}
