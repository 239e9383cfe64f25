package types

import "time"

// Identity is the opaque user identifier and email issued at sign-up.
// It is immutable once created.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// User is a registered account as stored in the users table.
type User struct {
	ID              string     `json:"id" db:"id"`
	Email           string     `json:"email" db:"email"`
	DisplayName     string     `json:"display_name" db:"display_name"`
	PasswordHash    string     `json:"-" db:"password_hash"`
	AuthProvider    string     `json:"auth_provider,omitempty" db:"auth_provider"`
	AuthProviderID  string     `json:"-" db:"auth_provider_id"`
	EmailVerifiedAt *time.Time `json:"email_verified_at,omitempty" db:"email_verified_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	LastLoginAt     *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
}

// Identity returns the public identity of the user.
func (u *User) Identity() Identity {
	return Identity{ID: u.ID, Email: u.Email}
}

// EmailVerified reports whether the user has confirmed their email address.
func (u *User) EmailVerified() bool {
	return u.EmailVerifiedAt != nil
}

// Session is a persisted browser session created on sign-in or sign-up.
type Session struct {
	ID             string    `json:"id" db:"id"`
	UserID         string    `json:"user_id" db:"user_id"`
	CSRFToken      string    `json:"-" db:"csrf_token"`
	UserAgent      string    `json:"user_agent" db:"user_agent"`
	IPAddress      string    `json:"ip_address" db:"ip_address"`
	ExpiresAt      time.Time `json:"expires_at" db:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at" db:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// SecurityEvent represents a unified security event for abuse tracking.
type SecurityEvent struct {
	ID            int64     `db:"id"`
	EventType     string    `db:"event_type"`
	Identifier    string    `db:"identifier"`
	IPAddress     string    `db:"ip_address"`
	AttemptedAt   time.Time `db:"attempted_at"`
	Success       bool      `db:"success"`
	FailureReason string    `db:"failure_reason"`
}

// PaymentStatus is the lifecycle state of a PaymentRecord.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
)

// PaymentRecord is the persisted ledger row for a course purchase.
// UserID is empty when a record was created from a processor callback
// that did not carry an identity. SessionRef is nil for records created
// by the reconciliation fallback path.
type PaymentRecord struct {
	ID           string        `json:"id" db:"id"`
	UserID       string        `json:"user_id,omitempty" db:"user_id"`
	SessionRef   *string       `json:"session_ref,omitempty" db:"session_ref"`
	Status       PaymentStatus `json:"status" db:"status"`
	AmountCents  int64         `json:"amount_cents" db:"amount_cents"`
	Currency     string        `json:"currency" db:"currency"`
	DiscountCode string        `json:"discount_code,omitempty" db:"discount_code"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
}

// IsCompleted reports whether the record grants entitlement.
func (p *PaymentRecord) IsCompleted() bool {
	return p.Status == PaymentStatusCompleted
}

// PaymentRecordUpdate carries the fields written by an update-by-id.
// Nil fields are left unchanged.
type PaymentRecordUpdate struct {
	Status       *PaymentStatus
	UserID       *string
	AmountCents  *int64
	DiscountCode *string
}

// CheckoutSession is the payment processor's view of a hosted checkout.
type CheckoutSession struct {
	ID                string `json:"id"`
	URL               string `json:"url"`
	ClientReferenceID string `json:"client_reference_id"`
	PaymentStatus     string `json:"payment_status"`
	AmountTotal       int64  `json:"amount_total"`
	Currency          string `json:"currency"`
	DiscountCode      string `json:"discount_code,omitempty"`
}

// Processor payment statuses reported by RetrieveCheckoutSession.
const (
	CheckoutPaymentPaid   = "paid"
	CheckoutPaymentUnpaid = "unpaid"
)

// IsPaid reports whether the processor considers the session paid.
func (c *CheckoutSession) IsPaid() bool {
	return c.PaymentStatus == CheckoutPaymentPaid
}
