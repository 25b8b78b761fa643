package auth

const (
	// MetricTokensValidated Token 验证计数，标签: status, error_type
	MetricTokensValidated = "auth_tokens_validated_total"

	// MetricTokensIssued Token 签发计数，标签: status
	MetricTokensIssued = "auth_tokens_issued_total"

	// MetricAccessDenied 访问规则拒绝计数，标签: rule
	MetricAccessDenied = "auth_access_denied_total"
)
