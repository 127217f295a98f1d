package chain

import (
	"regexp"
	"strings"
)

// errorClass buckets a failure for retry policy.
type errorClass string

const (
	classRetryable errorClass = "retryable"
	classPermanent errorClass = "permanent"
	classUnknown   errorClass = "unknown"
)

// classifyError buckets simulation/send/confirm errors so the submitter does
// not burn retries on failures that cannot succeed.
func classifyError(msg string) errorClass {
	if msg == "" {
		return classUnknown
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "alreadyprocessed"):
		return classPermanent
	case strings.Contains(lower, "blockhash"):
		return classRetryable
	case strings.Contains(lower, "accountinuse"):
		return classRetryable
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return classRetryable
	case strings.Contains(lower, "connection") || strings.Contains(lower, "network"):
		return classRetryable
	case strings.Contains(lower, "rate") || strings.Contains(lower, "429") || strings.Contains(lower, "503"):
		return classRetryable
	case strings.Contains(lower, "insufficientfunds"):
		return classPermanent
	case strings.Contains(lower, "invalidaccountdata") || strings.Contains(lower, "uninitializedaccount"):
		return classPermanent
	case strings.Contains(lower, "signatureverificationfailed"):
		return classPermanent
	case strings.Contains(lower, "instructionerror") && strings.Contains(lower, "custom"):
		return classPermanent
	default:
		return classUnknown
	}
}

func isRetryableMsg(msg string) bool {
	return classifyError(msg) == classRetryable
}

var customProgramError = regexp.MustCompile(`[Cc]ustom[":\s(]*(\d+)`)

// describeError maps common on-chain failures to a short operator-readable
// hint. Empty when the error is not recognized.
func describeError(msg string) string {
	if msg == "" {
		return ""
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "alreadyprocessed"):
		return "Transaction already processed; likely duplicate or replayed."
	case strings.Contains(lower, "blockhash"):
		return "Blockhash expired; rebuild and re-sign the transaction."
	case strings.Contains(lower, "accountinuse"):
		return "Account in use; retry with backoff."
	case strings.Contains(lower, "insufficientfunds"):
		return "Insufficient funds for fee or transfer."
	case strings.Contains(lower, "invalidaccountdata"):
		return "Invalid account data; verify mint/account ownership."
	case strings.Contains(lower, "uninitializedaccount"):
		return "Account not initialized; create associated token account."
	case strings.Contains(lower, "signatureverificationfailed"):
		return "Signature verification failed; ensure signer and recent blockhash match."
	}
	if m := customProgramError.FindStringSubmatch(msg); m != nil {
		return "Custom program error " + m[1] + "; program-specific constraint failed."
	}
	return ""
}
