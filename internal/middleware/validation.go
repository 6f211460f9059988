package middleware

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v3"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
)

// Field length limits matching database schema constraints.
const (
	MinFingerprintLen = 10
	MaxFingerprintLen = 255
	MaxItemIDLen      = 255
	MaxUserAgentLen   = 512
)

var (
	// itemIDRe matches item ids: alphanumeric, dot, dash, underscore.
	itemIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

// ErrorResponse is a helper that returns a standard API error response.
func ErrorResponse(c fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    code,
			"message": message,
		},
	})
}

// StatusForKind maps an error kind to its HTTP status.
func StatusForKind(kind string) int {
	switch kind {
	case model.KindValidation:
		return fiber.StatusBadRequest
	case model.KindUnknown:
		return fiber.StatusNotFound
	case model.KindRateLimit, model.KindSuspicious:
		return fiber.StatusTooManyRequests
	case model.KindTransient:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// PublicError returns the wire kind and client-safe message for err, plus
// the retry delay in seconds for rate limits (0 otherwise).
func PublicError(err error) (kind, message string, retryAfter int) {
	kind = model.ErrorKind(err)

	var rl *model.RateLimitedError
	if errors.As(err, &rl) {
		retryAfter = rl.RetryAfterSeconds()
		return kind, "Too many requests. Try again in " + strconv.Itoa(retryAfter) + " seconds.", retryAfter
	}

	switch kind {
	case model.KindInternal:
		return kind, "Internal server error", 0
	case model.KindTransient:
		return kind, "Temporarily unable to record the vote, retry shortly", 0
	case model.KindSuspicious:
		return kind, "Suspicious activity detected, try again later", 0
	}
	return kind, err.Error(), 0
}

// WriteError renders a service error with its kind as the error code.
// Internal errors never leak their message.
func WriteError(c fiber.Ctx, err error) error {
	kind, msg, retryAfter := PublicError(err)
	status := StatusForKind(kind)

	if retryAfter > 0 {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
		return c.Status(status).JSON(fiber.Map{
			"error": fiber.Map{
				"code":              kind,
				"message":           msg,
				"retryAfterSeconds": retryAfter,
			},
		})
	}
	return ErrorResponse(c, status, kind, msg)
}

// ValidateFingerprint trims a client fingerprint and checks its length.
func ValidateFingerprint(fp string) (string, string) {
	fp = strings.TrimSpace(fp)
	if !utf8.ValidString(fp) {
		return "", "fingerprint must be valid UTF-8"
	}
	n := utf8.RuneCountInString(fp)
	if n == 0 {
		return "", "fingerprint is required"
	}
	if n < MinFingerprintLen || n > MaxFingerprintLen {
		return "", "fingerprint must be 10-255 characters"
	}
	for _, r := range fp {
		if r < 0x20 || r == 0x7f {
			return "", "fingerprint contains control characters"
		}
	}
	return fp, ""
}

// ValidateItemID checks that an item id is well-formed and within DB limits.
func ValidateItemID(id string) (string, string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", "itemId is required"
	}
	if len(id) > MaxItemIDLen {
		return "", "itemId must be at most 255 characters"
	}
	if !itemIDRe.MatchString(id) {
		return "", "itemId contains invalid characters"
	}
	return id, ""
}

// ValidateVoteValue requires a present value of -1, 0 or 1.
func ValidateVoteValue(v *int) (model.VoteValue, string) {
	if v == nil {
		return 0, "voteValue is required"
	}
	if *v < -1 || *v > 1 {
		return 0, "voteValue must be -1, 0 or 1"
	}
	return model.VoteValue(*v), ""
}

// ValidateGranularity accepts "hour" or "day", defaulting to hour.
func ValidateGranularity(g string) (string, string) {
	switch strings.ToLower(strings.TrimSpace(g)) {
	case "", model.GranularityHour:
		return model.GranularityHour, ""
	case model.GranularityDay:
		return model.GranularityDay, ""
	default:
		return "", "granularity must be hour or day"
	}
}

// ValidateUserAgent trims and truncates user agent to DB limits.
func ValidateUserAgent(ua string) string {
	ua = strings.TrimSpace(strings.ToValidUTF8(ua, ""))
	if len(ua) > MaxUserAgentLen {
		ua = ua[:MaxUserAgentLen]
		for !utf8.ValidString(ua) {
			ua = ua[:len(ua)-1]
		}
	}
	return ua
}
