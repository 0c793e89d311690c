package domain

// ErrorCategory buckets provider error codes by how the dispatcher must react.
type ErrorCategory string

const (
	CategoryTransient ErrorCategory = "transient" // retried with backoff
	CategoryOverload  ErrorCategory = "overload"  // throttle decay + single retry
	CategoryPermanent ErrorCategory = "permanent" // recipient problem, never retried
	CategoryCritical  ErrorCategory = "critical"  // account problem, operator action
	CategoryUnknown   ErrorCategory = "unknown"   // conservatively non-retryable
)

// ProviderError is the normalized failure shape produced at the transport
// boundary. The core never inspects raw Graph API error payloads.
type ProviderError struct {
	Code      int           `json:"code"`
	Title     string        `json:"title"`
	Message   string        `json:"message"`
	Category  ErrorCategory `json:"category"`
	Retryable bool          `json:"retryable"`
}

// WhatsApp Cloud API error codes the dispatcher reacts to by name.
const (
	CodeAppRateLimit       = 4      // app-level API call volume
	CodeWABAThroughput     = 80007  // WABA throughput limit
	CodeRateLimitHit       = 130429 // cloud API messaging rate limit
	CodeSpamRateLimit      = 131048 // spam rate limit on the phone number
	CodePairRateLimit      = 131056 // too many messages to the same recipient
	CodeUndeliverable      = 131026 // recipient cannot receive (not on WhatsApp)
	CodeReengagementGap    = 131047 // outside the 24h customer service window
	CodeUserStoppedMkt     = 131050 // recipient opted out of marketing messages
	CodeAccountLocked      = 131031 // account locked
	CodeTempBlocked        = 368    // temporarily blocked for policy violations
	CodePaymentIssue       = 131042 // billing / payment method problem
	CodeTokenExpired       = 190    // access token expired
	CodeNotRegistered      = 133010 // phone number not registered with Cloud API
	CodeGenericFailure     = 131000 // something went wrong, retry later
	CodeServiceUnavailable = 2      // service temporarily unavailable
)

var overloadCodes = map[int]bool{
	CodeAppRateLimit:   true,
	CodeWABAThroughput: true,
	CodeRateLimitHit:   true,
	CodeSpamRateLimit:  true,
	CodePairRateLimit:  true,
}

var errorCategories = map[int]ErrorCategory{
	CodeServiceUnavailable: CategoryTransient,
	CodeGenericFailure:     CategoryTransient,
	131016:                 CategoryTransient, // service overloaded
	131053:                 CategoryTransient, // media upload error

	CodeUndeliverable:   CategoryPermanent,
	CodeReengagementGap: CategoryPermanent,
	CodeUserStoppedMkt:  CategoryPermanent,
	100:                 CategoryPermanent, // invalid parameter (bad number etc.)
	131021:              CategoryPermanent, // send to self
	131051:              CategoryPermanent, // unsupported message type
	132000:              CategoryPermanent, // template parameter mismatch
	132001:              CategoryPermanent, // template does not exist

	0:                 CategoryCritical, // auth exception
	3:                 CategoryCritical, // API capability/permission
	10:                CategoryCritical, // permission denied
	CodeTokenExpired:  CategoryCritical,
	CodeAccountLocked: CategoryCritical,
	CodeTempBlocked:   CategoryCritical,
	CodePaymentIssue:  CategoryCritical,
	CodeNotRegistered: CategoryCritical,
}

// ClassifyCode maps a provider error code to its category.
// Unlisted codes are unknown and treated as non-retryable.
func ClassifyCode(code int) ErrorCategory {
	if overloadCodes[code] {
		return CategoryOverload
	}
	if cat, ok := errorCategories[code]; ok {
		return cat
	}
	return CategoryUnknown
}

// IsOverloadCode reports whether the code is an explicit rate-limit or
// throughput-exceeded signal from the provider.
func IsOverloadCode(code int) bool { return overloadCodes[code] }

// IsOptOutCode reports whether the code means the recipient explicitly
// opted out of receiving these messages.
func IsOptOutCode(code int) bool { return code == CodeUserStoppedMkt }

// IsHardUndeliverableCode reports codes that warrant a permanent suppression
// rather than a temporary, re-evaluated one.
func IsHardUndeliverableCode(code int) bool { return code == CodeUndeliverable }

// NewProviderError builds a normalized error with category and retryability
// derived from the code.
func NewProviderError(code int, title, message string) ProviderError {
	cat := ClassifyCode(code)
	return ProviderError{
		Code:      code,
		Title:     title,
		Message:   message,
		Category:  cat,
		Retryable: cat == CategoryTransient,
	}
}

// NewTransientError builds a synthetic transport-level failure (network error,
// timeout) that carries no provider code.
func NewTransientError(message string) ProviderError {
	return ProviderError{
		Code:      -1,
		Title:     "transport error",
		Message:   message,
		Category:  CategoryTransient,
		Retryable: true,
	}
}
