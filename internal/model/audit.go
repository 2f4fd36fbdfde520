package model

// AuditAction names an audited event
type AuditAction string

const (
	AuditOtpStart             AuditAction = "OTP_START"
	AuditOtpVerifyOK          AuditAction = "OTP_VERIFY_OK"
	AuditOtpVerifyFail        AuditAction = "OTP_VERIFY_FAIL"
	AuditDeviceAdd            AuditAction = "DEVICE_ADD"
	AuditDeviceAddFail        AuditAction = "DEVICE_ADD_FAIL"
	AuditDeviceRevoke         AuditAction = "DEVICE_REVOKE"
	AuditLoginOK              AuditAction = "LOGIN_OK"
	AuditLoginFail            AuditAction = "LOGIN_FAIL"
	AuditRevalidateOK         AuditAction = "REVALIDATE_OK"
	AuditRevalidateFail       AuditAction = "REVALIDATE_FAIL"
	AuditRefreshOK            AuditAction = "REFRESH_OK"
	AuditRefreshFail          AuditAction = "REFRESH_FAIL"
	AuditLogout               AuditAction = "LOGOUT"
	AuditRecoveryCodeGenerate AuditAction = "RECOVERY_CODE_GENERATE"
	AuditRecoveryCodeUseOK    AuditAction = "RECOVERY_CODE_USE_OK"
	AuditRecoveryCodeUseFail  AuditAction = "RECOVERY_CODE_USE_FAIL"
	AuditRecoveryOtpStart     AuditAction = "RECOVERY_OTP_START"
	AuditRecoveryOtpVerifyOK  AuditAction = "RECOVERY_OTP_VERIFY_OK"
	AuditRecoveryOtpFail      AuditAction = "RECOVERY_OTP_VERIFY_FAIL"
	AuditRecoveryRateLimitHit AuditAction = "RECOVERY_RATE_LIMIT_HIT"
	AuditConsentCreate        AuditAction = "CONSENT_REQUEST_CREATE"
	AuditConsentFetch         AuditAction = "CONSENT_RESULT_FETCH"
	AuditConsentApprove       AuditAction = "CONSENT_APPROVE"
	AuditConsentDeny          AuditAction = "CONSENT_DENY"
	AuditConsentWebhookSent   AuditAction = "CONSENT_WEBHOOK_SENT"
	AuditConsentWebhookFail   AuditAction = "CONSENT_WEBHOOK_FAIL"
)
