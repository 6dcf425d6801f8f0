package domain

const (
	RoleStudent           = "student"
	RoleUniversityStudent = "university_student"
	RoleTeacher           = "teacher"
	RoleParent            = "parent"
	RoleCompany           = "company"
	RoleAdmin             = "admin"
)

// StudentRoles may purchase courses.
var StudentRoles = []string{RoleStudent, RoleUniversityStudent}

const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusCompleted  = "completed"
	PaymentStatusFailed     = "failed"
	PaymentStatusRefunded   = "refunded"
	PaymentStatusCancelled  = "cancelled"
)

const (
	PaymentMethodCard   = "card"
	PaymentMethodPayPal = "paypal"
	PaymentMethodWallet = "wallet"
)

const (
	ProviderStripe = "stripe"
	ProviderPayPal = "paypal"
	ProviderStub   = "stub"
)

const (
	EnrollmentStatusActive    = "active"
	EnrollmentStatusCompleted = "completed"
	EnrollmentStatusCancelled = "cancelled"
)

const (
	CourseTypeRecorded = "recorded"
	CourseTypeLive     = "live"
)

const (
	WebhookEventReceived  = "received"
	WebhookEventProcessed = "processed"
	WebhookEventIgnored   = "ignored"
	WebhookEventFailed    = "failed"
)

const (
	NotificationEnrollmentActivated = "ENROLLMENT_ACTIVATED"
	NotificationPaymentFailed       = "PAYMENT_FAILED"
	NotificationEnrollmentCancelled = "ENROLLMENT_CANCELLED"
)

// Failure reasons recorded on payments by the platform itself (gateway reasons are stored verbatim).
const (
	FailureSeatRaceLost   = "seat_race_lost"
	FailureGatewayFailed  = "gateway_reported_failure"
	FailureIntentCanceled = "gateway_intent_cancelled"
	FailureExpired        = "expired_before_payment"
)

// Sources recorded on audit entries for payment transitions.
const (
	SourceConfirm = "confirm"
	SourceWebhook = "webhook"
	SourceSweeper = "sweeper"
	SourceCLI     = "cli"
	SourceAdmin   = "admin"
)

const (
	AuditPaymentCompleted = "payment.completed"
	AuditPaymentFailed    = "payment.failed"
	AuditPaymentCancelled = "payment.cancelled"
	AuditPaymentRefunded  = "payment.refunded"
	AuditCourseRecount    = "course.recount"
)
