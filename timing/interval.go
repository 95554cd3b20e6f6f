package timing

import "time"

const (
	// Period of the maintenance loop. Each pass is jittered to [interval/2, interval]
	MaintenanceInterval = time.Second * 5
	// Upper bound on one maintenance sub-step
	StepTimeout = time.Second * 60

	AnnounceIntervalResponsible    = time.Minute * 30
	AnnounceIntervalNotResponsible = time.Minute * 60
	// Repeat sends of the same version to one peer are allowed again after this
	AnnounceHistoryReset = time.Hour * 12
	// Announcers not heard from for this long are no longer a fallback source
	AnnouncerExpiry = time.Hour * 12

	PendingCommitExpiry = time.Minute * 5
	CorroborationDelay  = time.Second

	PeerBackoffStep = time.Second * 60
	PeerBackoffMax  = time.Minute * 5
	PeerGCAfter     = time.Minute * 60
)

// DeferralLadder is the wait before each retry of a pull that could not reach a quorum
var DeferralLadder = []time.Duration{
	time.Minute,
	time.Minute * 5,
	time.Minute * 10,
	time.Minute * 30,
	time.Hour,
	time.Hour * 2,
}
