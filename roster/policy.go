package roster

import (
	"time"

	"github.com/onnwee/roster-herald/discord"
)

// SelectInput is everything a policy may consider for one pass. Entities
// arrive ordered by ascending stream start (ties by id). Now is sampled once
// per pass so a policy's choices never depend on wall-clock jitter inside it.
type SelectInput struct {
	Entities []LiveEntity
	Rotation int
	Schedule []ScheduleSlot // train only; nil otherwise
	Now      time.Time
}

// Selection is a policy's verdict: which entities get cards and in what
// order, at most one highlighted entity (clip-bearing), the rotation counter
// to carry into the next pass, and the resolved conductor slot for train.
type Selection struct {
	Cards        []LiveEntity
	Highlight    *LiveEntity
	RotationNext int
	Conductor    *ScheduleSlot
}

// Policy parameterizes the reconciliation engine per tracker type. Selection
// must be a deterministic function of its input; content builders are pure.
type Policy interface {
	Type() TrackerType

	// FirstTickDelay staggers the very first tick after process start,
	// distinct per tracker type, so one process managing many guilds does
	// not burst all four trackers' outbound calls at once.
	FirstTickDelay() time.Duration

	Select(in SelectInput) Selection

	// Card builds the notification card for one entity. highlighted is true
	// for the policy's highlight/holder/conductor/spotlight entity.
	Card(e LiveEntity, highlighted bool) discord.Message

	Header(sel Selection) discord.Message
	Footer(sel Selection) discord.Message

	// ExtraSlots names entity-independent slot messages beyond header and
	// footer (e.g. the train's conductor board). Keys are logical slot names.
	ExtraSlots(sel Selection) map[string]discord.Message
}

// Policies returns the standard policy set keyed by tracker type.
func Policies() map[TrackerType]Policy {
	return map[TrackerType]Policy{
		TrackerVIP:   VIPPolicy{},
		TrackerPool:  PoolPolicy{},
		TrackerPile:  PilePolicy{},
		TrackerTrain: TrainPolicy{},
	}
}
