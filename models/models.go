package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PaymentStatus represents the lifecycle of a payment moving through the
// external processor.
type PaymentStatus string

// All payment states.
const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentCompleted  PaymentStatus = "COMPLETED"
	PaymentFailed     PaymentStatus = "FAILED"
)

// EscrowStatus represents the holding state of escrowed funds.
type EscrowStatus string

// All escrow states.
const (
	EscrowHeld     EscrowStatus = "HELD"
	EscrowReleased EscrowStatus = "RELEASED"
	EscrowRefunded EscrowStatus = "REFUNDED"
	EscrowDisputed EscrowStatus = "DISPUTED"
)

// MilestoneStatus represents a milestone's position in the review workflow.
type MilestoneStatus string

// All milestone states.
const (
	MilestonePending   MilestoneStatus = "PENDING"
	MilestoneInReview  MilestoneStatus = "IN_REVIEW"
	MilestoneApproved  MilestoneStatus = "APPROVED"
	MilestoneRejected  MilestoneStatus = "REJECTED"
	MilestoneCompleted MilestoneStatus = "COMPLETED"
)

// ProofStatus represents the verification state of a proof of build.
type ProofStatus string

// All proof states.
const (
	ProofPending  ProofStatus = "PENDING"
	ProofVerified ProofStatus = "VERIFIED"
	ProofFailed   ProofStatus = "FAILED"
	ProofExpired  ProofStatus = "EXPIRED"
)

// ProofType enumerates the artifact kinds a proof may reference.
type ProofType string

// All proof types.
const (
	ProofTypeCommit      ProofType = "commit"
	ProofTypePullRequest ProofType = "pull_request"
	ProofTypeRepository  ProofType = "repository"
	ProofTypeFile        ProofType = "file"
	ProofTypeScreenshot  ProofType = "screenshot"
	ProofTypeModel       ProofType = "model"
)

// ApprovalStatus represents a reviewer's decision on a proof.
type ApprovalStatus string

// All approval states.
const (
	ApprovalPending           ApprovalStatus = "PENDING"
	ApprovalApproved          ApprovalStatus = "APPROVED"
	ApprovalRejected          ApprovalStatus = "REJECTED"
	ApprovalRevisionRequested ApprovalStatus = "REVISION_REQUESTED"
)

// ProjectStatus represents a project's overall state.
type ProjectStatus string

// All project states.
const (
	ProjectOpen       ProjectStatus = "OPEN"
	ProjectInProgress ProjectStatus = "IN_PROGRESS"
	ProjectCompleted  ProjectStatus = "COMPLETED"
	ProjectCancelled  ProjectStatus = "CANCELLED"
)

// DisputeStatus represents the administrative state of a dispute.
type DisputeStatus string

// All dispute states. There is deliberately no transition back to an open
// escrow: a disputed escrow can only be force-refunded by an administrator.
const (
	DisputeOpen           DisputeStatus = "OPEN"
	DisputeResolvedRefund DisputeStatus = "RESOLVED_REFUND"
	DisputeCancelled      DisputeStatus = "CANCELLED"
)

// RefundIntentStatus tracks the two-phase refund saga.
type RefundIntentStatus string

// All refund intent states.
const (
	RefundIntentPending            RefundIntentStatus = "PENDING"
	RefundIntentProcessorConfirmed RefundIntentStatus = "PROCESSOR_CONFIRMED"
	RefundIntentCompleted          RefundIntentStatus = "COMPLETED"
	RefundIntentFailed             RefundIntentStatus = "FAILED"
)

// TransactionType enumerates ledger entry kinds.
type TransactionType string

// All ledger entry types.
const (
	TransactionEscrowHold    TransactionType = "escrow_hold"
	TransactionEscrowRelease TransactionType = "escrow_release"
	TransactionEscrowRefund  TransactionType = "escrow_refund"
	TransactionPlatformFee   TransactionType = "platform_fee"
)

// Project is the funding context shared by payments, escrows and milestones.
type Project struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID      uuid.UUID       `gorm:"type:uuid;index" json:"owner_id"`
	FreelancerID uuid.UUID       `gorm:"type:uuid;index" json:"freelancer_id"`
	AgentID      *uuid.UUID      `gorm:"type:uuid;index" json:"agent_id,omitempty"`
	Title        string          `gorm:"size:255" json:"title"`
	Budget       decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"budget"`
	Status       ProjectStatus   `gorm:"size:32;index" json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Profile carries per-user earnings counters credited on escrow release.
type Profile struct {
	UserID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"user_id"`
	TotalEarned       decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"total_earned"`
	PendingEarnings   decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"pending_earnings"`
	CompletedProjects int             `gorm:"not null" json:"completed_projects"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Payment records money moving from the project owner through the external
// processor. Amount is the gross figure transiting the processor; the
// platform fee is carried alongside and settled at distribution time.
type Payment struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID         uuid.UUID       `gorm:"type:uuid;index" json:"project_id"`
	PayerID           uuid.UUID       `gorm:"type:uuid;index" json:"payer_id"`
	PayeeID           uuid.UUID       `gorm:"type:uuid;index" json:"payee_id"`
	Amount            decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	PlatformFee       decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"platform_fee"`
	ExternalReference string          `gorm:"size:128;uniqueIndex" json:"external_reference"`
	Status            PaymentStatus   `gorm:"size:32;index" json:"status"`
	Metadata          string          `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
}

// Escrow holds completed payment funds pending release, refund or dispute
// resolution. The unique index on PaymentID enforces at most one escrow per
// payment at the store level. The share fields are fixed at creation and
// must always satisfy FreelancerAmount + AgentAmount + PlatformFee == Amount.
type Escrow struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	PaymentID        uuid.UUID       `gorm:"type:uuid;uniqueIndex" json:"payment_id"`
	ProjectID        uuid.UUID       `gorm:"type:uuid;index" json:"project_id"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	PlatformFee      decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"platform_fee"`
	FreelancerAmount decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"freelancer_amount"`
	AgentAmount      decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"agent_amount"`
	Status           EscrowStatus    `gorm:"size:32;index" json:"status"`
	ReleaseCondition string          `gorm:"size:255" json:"release_condition"`
	ProofID          *uuid.UUID      `gorm:"type:uuid" json:"proof_id,omitempty"`
	IsDisputed       bool            `gorm:"not null" json:"is_disputed"`
	DisputeReason    string          `gorm:"size:512" json:"dispute_reason,omitempty"`
	HeldAt           time.Time       `json:"held_at"`
	ReleasedAt       *time.Time      `json:"released_at,omitempty"`
}

// Milestone is a budgeted, reviewable slice of a project's deliverables.
// MilestoneNumber is unique within a project.
type Milestone struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID        uuid.UUID       `gorm:"type:uuid;index;uniqueIndex:idx_project_milestone_number" json:"project_id"`
	MilestoneNumber  int             `gorm:"not null;uniqueIndex:idx_project_milestone_number" json:"milestone_number"`
	Title            string          `gorm:"size:255" json:"title"`
	Description      string          `gorm:"type:text" json:"description,omitempty"`
	BudgetPercentage decimal.Decimal `gorm:"type:decimal(5,2);not null" json:"budget_percentage"`
	BudgetAmount     decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"budget_amount"`
	Status           MilestoneStatus `gorm:"size:32;index" json:"status"`
	EscrowID         *uuid.UUID      `gorm:"type:uuid" json:"escrow_id,omitempty"`
	PaymentReleased  bool            `gorm:"not null" json:"payment_released"`
	CompletionDate   *time.Time      `json:"completion_date,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Proofs           []ProofOfBuild  `gorm:"foreignKey:MilestoneID" json:"proofs,omitempty"`
}

// ProofOfBuild is a verifiable claim of delivered work. The milestone link is
// nullable: a proof may outlive the milestone it was once attached to.
type ProofOfBuild struct {
	ID          uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID     uuid.UUID   `gorm:"type:uuid;index" json:"owner_id"`
	ProjectID   uuid.UUID   `gorm:"type:uuid;index" json:"project_id"`
	MilestoneID *uuid.UUID  `gorm:"type:uuid;index" json:"milestone_id,omitempty"`
	Type        ProofType   `gorm:"size:32" json:"type"`
	Reference   string      `gorm:"size:512" json:"reference"`
	Status      ProofStatus `gorm:"size:32;index" json:"status"`
	Signature   string      `gorm:"size:128" json:"signature,omitempty"`
	SignedInput string      `gorm:"size:512" json:"signed_input,omitempty"`
	VerifiedAt  *time.Time  `json:"verified_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ProofApproval records the reviewer decision for a proof. The unique index
// on ProofID enforces exactly one approval record per proof. ApprovedAt and
// RejectedAt are mutually exclusive.
type ProofApproval struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProofID    uuid.UUID      `gorm:"type:uuid;uniqueIndex" json:"proof_id"`
	ReviewerID uuid.UUID      `gorm:"type:uuid;index" json:"reviewer_id"`
	Status     ApprovalStatus `gorm:"size:32;index" json:"status"`
	Feedback   string         `gorm:"type:text" json:"feedback,omitempty"`
	ApprovedAt *time.Time     `json:"approved_at,omitempty"`
	RejectedAt *time.Time     `json:"rejected_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Transaction is an append-only ledger row written in the same transaction
// as the state change it records.
type Transaction struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	EscrowID  uuid.UUID       `gorm:"type:uuid;index" json:"escrow_id"`
	ProjectID uuid.UUID       `gorm:"type:uuid;index" json:"project_id"`
	UserID    uuid.UUID       `gorm:"type:uuid;index" json:"user_id"`
	Type      TransactionType `gorm:"size:32;index" json:"type"`
	Amount    decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// Dispute captures a participant's challenge against a held escrow.
type Dispute struct {
	ID          uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	EscrowID    uuid.UUID     `gorm:"type:uuid;index" json:"escrow_id"`
	InitiatorID uuid.UUID     `gorm:"type:uuid;index" json:"initiator_id"`
	Reason      string        `gorm:"size:512" json:"reason"`
	Status      DisputeStatus `gorm:"size:32;index" json:"status"`
	ResolvedBy  *uuid.UUID    `gorm:"type:uuid" json:"resolved_by,omitempty"`
	Resolution  string        `gorm:"size:512" json:"resolution,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
}

// RefundIntent is the outbox row persisted before the external refund call so
// a crash between the processor confirming and the local state update can be
// reconciled on restart.
type RefundIntent struct {
	ID         uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	EscrowID   uuid.UUID          `gorm:"type:uuid;index" json:"escrow_id"`
	PaymentID  uuid.UUID          `gorm:"type:uuid;index" json:"payment_id"`
	Amount     decimal.Decimal    `gorm:"type:decimal(20,2);not null" json:"amount"`
	Reason     string             `gorm:"size:512" json:"reason,omitempty"`
	Status     RefundIntentStatus `gorm:"size:32;index" json:"status"`
	Attempts   int                `gorm:"not null" json:"attempts"`
	LastError  string             `gorm:"size:512" json:"last_error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
	ResolvedAt *time.Time         `json:"resolved_at,omitempty"`
}

// ProcessorEvent journals inbound processor webhook events. The unique index
// on EventID makes reconciliation idempotent under at-least-once delivery.
type ProcessorEvent struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	EventID           string    `gorm:"size:128;uniqueIndex"`
	ExternalReference string    `gorm:"size:128;index"`
	EventType         string    `gorm:"size:64"`
	ReportedStatus    string    `gorm:"size:32"`
	ReceivedAt        time.Time
}

// IdempotencyKey stores request idempotency metadata for mutating endpoints.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AuditEvent is the append-only audit trail written alongside every mutation.
type AuditEvent struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	EntityID  *uuid.UUID `gorm:"type:uuid;index"`
	ActorID   uuid.UUID  `gorm:"type:uuid;index"`
	Action    string     `gorm:"size:64"`
	Details   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// WebhookSubscription describes an outbound notification endpoint.
type WebhookSubscription struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	EventType string `gorm:"size:64;index"`
	URL       string `gorm:"size:512"`
	Secret    string `gorm:"size:128"`
	RateLimit int    `gorm:"not null;default:60"`
	// No column default: gorm drops zero-valued fields that carry one, which
	// would make an inactive row impossible to insert.
	Active    bool `gorm:"not null"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Project{},
		&Profile{},
		&Payment{},
		&Escrow{},
		&Milestone{},
		&ProofOfBuild{},
		&ProofApproval{},
		&Transaction{},
		&Dispute{},
		&RefundIntent{},
		&ProcessorEvent{},
		&IdempotencyKey{},
		&AuditEvent{},
		&WebhookSubscription{},
	)
}
