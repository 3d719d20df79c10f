package diarize

import (
	"errors"
	"fmt"

	"github.com/tiroq/memoscribe/internal/asr"
)

var (
	// ErrUnknownSpeaker is returned for an id the engine never issued.
	ErrUnknownSpeaker = errors.New("diarize: unknown speaker")
	// ErrSameSpeaker is returned when a merge would alias a profile to itself.
	ErrSameSpeaker = errors.New("diarize: source and target are the same speaker")
	// ErrRetired is returned when editing a profile that was merged away.
	ErrRetired = errors.New("diarize: speaker was merged into another profile")
)

// VoiceProfile is one clustered speaker identity. Values returned by the
// engine are copies.
type VoiceProfile struct {
	ID            asr.SpeakerID `json:"id"`
	DisplayLabel  string        `json:"displayLabel"`
	ColorTag      string        `json:"colorTag"`
	SampleCount   int           `json:"sampleCount"`
	TotalDuration float64       `json:"totalDuration"` // seconds
	Confidence    float64       `json:"confidence"`
}

// ProfileRecord is the persisted form of a profile, including its centroid
// and alias target when retired.
type ProfileRecord struct {
	VoiceProfile
	Centroid []float64      `json:"centroid,omitempty"`
	AliasOf  *asr.SpeakerID `json:"aliasOf,omitempty"`
}

// Snapshot captures every profile ever issued in a session, retired ones
// included, so that historical speaker ids keep resolving after a reload.
type Snapshot struct {
	Profiles []ProfileRecord `json:"profiles"`
}

// Validate checks that ids are dense and in issue order and that every alias
// points directly at an issued profile that is not itself retired.
func (s Snapshot) Validate() error {
	for i, p := range s.Profiles {
		if int(p.ID) != i {
			return fmt.Errorf("diarize: snapshot profile %d has id %d", i, p.ID)
		}
		if p.AliasOf == nil {
			continue
		}
		t := int(*p.AliasOf)
		if t < 0 || t >= len(s.Profiles) || t == i || s.Profiles[t].AliasOf != nil {
			return fmt.Errorf("diarize: snapshot profile %d aliases invalid id %d", i, t)
		}
	}
	return nil
}

// DefaultLabel is the system-assigned display label for id.
func DefaultLabel(id asr.SpeakerID) string {
	return fmt.Sprintf("Speaker %d", int(id)+1)
}

var palette = []string{
	"#4E79A7", "#F28E2B", "#E15759", "#76B7B2",
	"#59A14F", "#EDC948", "#B07AA1", "#FF9DA7",
}

// DefaultColor is the presentation color hint for id.
func DefaultColor(id asr.SpeakerID) string {
	return palette[int(id)%len(palette)]
}

// profile is one arena slot. Retired slots stay in the arena so their ids
// are never reused.
type profile struct {
	VoiceProfile
	centroid   []float64
	lastActive uint64
	retired    bool
}

func (p *profile) record(alias map[asr.SpeakerID]asr.SpeakerID) ProfileRecord {
	r := ProfileRecord{VoiceProfile: p.VoiceProfile}
	if len(p.centroid) > 0 {
		r.Centroid = append([]float64(nil), p.centroid...)
	}
	if t, ok := alias[p.ID]; ok {
		r.AliasOf = &t
	}
	return r
}
