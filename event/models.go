package event

import "time"

// TimelineEvent captures an immutable business event for a project.
type TimelineEvent struct {
	ID          int64
	ProjectID   string
	MilestoneID *string
	Seq         int
	Type        string
	ActorID     *string
	CreatedAt   time.Time
	Payload     []byte
}

// OutboxMessage represents a transactional outbox entry.
type OutboxMessage struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// Timeline event types emitted by the workflow engine.
const (
	TypeProjectCreated     = "PROJECT_CREATED"
	TypeDeveloperAssigned  = "DEVELOPER_ASSIGNED"
	TypeProjectCompleted   = "PROJECT_COMPLETED"
	TypeMilestoneStarted   = "MILESTONE_STARTED"
	TypeMilestoneReady     = "MILESTONE_READY"
	TypeMilestoneApproved  = "MILESTONE_APPROVED"
	TypeMilestoneRejected  = "MILESTONE_REJECTED"
	TypeEscrowHeld         = "ESCROW_HELD"
	TypeEscrowReleased     = "ESCROW_RELEASED"
	TypeEscrowRefunded     = "ESCROW_REFUNDED"
	TypeDisputeOpened      = "DISPUTE_OPENED"
	TypeDisputeInReview    = "DISPUTE_IN_REVIEW"
	TypeDisputeResponded   = "DISPUTE_RESPONDED"
	TypeDisputeResolved    = "DISPUTE_RESOLVED"
	TypeDisputeClosed      = "DISPUTE_CLOSED"
)

// Outbox topics published by the workflow engine.
const (
	TopicMilestoneStatusChanged = "milestone.status_changed"
	TopicEscrowHeld             = "escrow.held"
	TopicEscrowReleased         = "escrow.released"
	TopicEscrowRefunded         = "escrow.refunded"
	TopicDisputeOpened          = "dispute.opened"
	TopicDisputeResolved        = "dispute.resolved"
	TopicProjectCreated         = "project.created"
	TopicProjectCompleted       = "project.completed"
	TopicCommissionRateSet      = "platform.commission_rate_set"
)
