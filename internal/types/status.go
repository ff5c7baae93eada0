package types

import "time"

// Cleared is how an empty status renders on the host surface.
const Cleared = "--"

// HeadPose is the coarse head orientation. The zero value means "cleared".
type HeadPose string

const (
	HeadCentered    HeadPose = "Centered"
	HeadTurnedLeft  HeadPose = "Turned Left"
	HeadTurnedRight HeadPose = "Turned Right"
	HeadLookingDown HeadPose = "Looking Down"
	HeadLookingUp   HeadPose = "Looking Up"
	HeadUnknown     HeadPose = "Unknown"
)

func (h HeadPose) String() string {
	if h == "" {
		return Cleared
	}
	return string(h)
}

// Gaze is the eye direction relative to the screen. The zero value means "cleared".
type Gaze string

const (
	GazeFocused     Gaze = "Focused"
	GazeLookingAway Gaze = "Looking Away"
	GazeUnknown     Gaze = "Unknown"
)

func (g Gaze) String() string {
	if g == "" {
		return Cleared
	}
	return string(g)
}

// Emotion is the expression inferred from blendshapes. The zero value means "cleared".
type Emotion string

const (
	EmotionNeutral   Emotion = "Neutral"
	EmotionConfident Emotion = "Confident"
	EmotionConcerned Emotion = "Concerned"
	EmotionSurprised Emotion = "Surprised"
	EmotionThinking  Emotion = "Thinking"
)

func (e Emotion) String() string {
	if e == "" {
		return Cleared
	}
	return string(e)
}

// TrackingState gates whether the three behavior statuses are meaningful.
type TrackingState string

const (
	TrackingInitializing  TrackingState = "Initializing"
	TrackingReady         TrackingState = "Ready"
	TrackingNotReady      TrackingState = "NotReady"
	TrackingNoFace        TrackingState = "NoFace"
	TrackingMultipleFaces TrackingState = "MultipleFaces"
	TrackingMonitoring    TrackingState = "Monitoring"
)

// Label is the human text shown by the tracking indicator.
func (s TrackingState) Label() string {
	switch s {
	case TrackingInitializing:
		return "Initializing AI..."
	case TrackingReady:
		return "AI Ready"
	case TrackingNotReady:
		return "AI not ready"
	case TrackingNoFace:
		return "No Face Detected!"
	case TrackingMultipleFaces:
		return "Multiple Faces!"
	case TrackingMonitoring:
		return "Monitoring Active"
	}
	return string(s)
}

// Active reports whether the indicator should show the healthy (green) state.
func (s TrackingState) Active() bool {
	return s == TrackingMonitoring
}

// Status is a read-only snapshot of the monitoring state, refreshed once per tick.
type Status struct {
	Tracking TrackingState `json:"tracking" yaml:"tracking"`
	HeadPose HeadPose      `json:"head_pose" yaml:"head_pose"`
	Gaze     Gaze          `json:"gaze" yaml:"gaze"`
	Emotion  Emotion       `json:"emotion" yaml:"emotion"`

	FramesAnalyzed uint64    `json:"frames_analyzed" yaml:"frames_analyzed"`
	FramesSkipped  uint64    `json:"frames_skipped" yaml:"frames_skipped"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"updated_at"`
}

// ClearBehavior resets the three behavior statuses to their cleared value.
func (s *Status) ClearBehavior() {
	s.HeadPose = ""
	s.Gaze = ""
	s.Emotion = ""
}
