package engine

// Constraint keys with meaning at the engine boundary. Everything else
// is passed through uninterpreted.
const (
	OfferToReceiveAudioConstraint = "OfferToReceiveAudio"
	OfferToReceiveVideoConstraint = "OfferToReceiveVideo"
)

// Constraint is one key/value pair passed through to the engine verbatim.
type Constraint struct {
	Key   string
	Value string
}

// MediaConstraints groups mandatory and optional constraints the way
// engines consume them for offer/answer synthesis and track creation.
type MediaConstraints struct {
	Mandatory []Constraint
	Optional  []Constraint
}

func (mc *MediaConstraints) AddMandatory(key, value string) {
	mc.Mandatory = append(mc.Mandatory, Constraint{Key: key, Value: value})
}

func (mc *MediaConstraints) AddOptional(key, value string) {
	mc.Optional = append(mc.Optional, Constraint{Key: key, Value: value})
}

// Mandatory lookup; the second return reports presence.
func (mc *MediaConstraints) GetMandatory(key string) (string, bool) {
	for _, c := range mc.Mandatory {
		if c.Key == key {
			return c.Value, true
		}
	}
	return "", false
}
