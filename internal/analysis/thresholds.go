// Package analysis classifies a single face's landmarks and blendshapes into
// discrete head-pose, gaze and emotion labels.
//
// Every function here is pure: same input, same label. Thresholds are passed
// in explicitly so they can be tuned from configuration.
package analysis

// Face mesh landmark indices (MediaPipe 478-point topology).
const (
	NoseTip          = 1
	Forehead         = 10
	LeftEyeOuter     = 33
	LeftEyeInner     = 133
	Chin             = 152
	RightEyeOuter    = 263
	LeftIrisCenter   = 468
	NumMeshLandmarks = 478
)

// Blendshape category names consumed by the emotion classifier.
const (
	MouthSmileLeft  = "mouthSmileLeft"
	MouthSmileRight = "mouthSmileRight"
	MouthFrownLeft  = "mouthFrownLeft"
	MouthFrownRight = "mouthFrownRight"
	BrowDownLeft    = "browDownLeft"
	BrowDownRight   = "browDownRight"
	BrowInnerUp     = "browInnerUp"
	JawOpen         = "jawOpen"
)

// Fallback selects the head-pose label used when a required landmark is missing.
type Fallback string

const (
	FallbackUnknown  Fallback = "unknown"
	FallbackCentered Fallback = "centered"
)

// HeadPoseThresholds are offsets in normalized image units.
// Down is looser than Up so note-taking posture does not trip alerts.
type HeadPoseThresholds struct {
	Horizontal      float64  `mapstructure:"horizontal" yaml:"horizontal"`
	Down            float64  `mapstructure:"down" yaml:"down"`
	Up              float64  `mapstructure:"up" yaml:"up"`
	MissingFallback Fallback `mapstructure:"missing_fallback" yaml:"missing_fallback"`
}

// GazeThresholds bound the "focused" band of the iris position within the eye (0..1).
type GazeThresholds struct {
	Min float64 `mapstructure:"min" yaml:"min"`
	Max float64 `mapstructure:"max" yaml:"max"`
}

type EmotionThresholds struct {
	Smile            float64 `mapstructure:"smile" yaml:"smile"`
	Frown            float64 `mapstructure:"frown" yaml:"frown"`
	Surprise         float64 `mapstructure:"surprise" yaml:"surprise"`
	ThinkingBrow     float64 `mapstructure:"thinking_brow" yaml:"thinking_brow"`
	ThinkingFrownMax float64 `mapstructure:"thinking_frown_max" yaml:"thinking_frown_max"`
}

// Thresholds groups the tunables for all three classifiers.
type Thresholds struct {
	HeadPose HeadPoseThresholds `mapstructure:"head_pose" yaml:"head_pose"`
	Gaze     GazeThresholds     `mapstructure:"gaze" yaml:"gaze"`
	Emotion  EmotionThresholds  `mapstructure:"emotion" yaml:"emotion"`
}

// DefaultThresholds returns the stock tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HeadPose: HeadPoseThresholds{
			Horizontal:      0.02,
			Down:            0.04,
			Up:              0.02,
			MissingFallback: FallbackCentered,
		},
		Gaze: GazeThresholds{
			Min: 0.35,
			Max: 0.65,
		},
		Emotion: EmotionThresholds{
			Smile:            0.4,
			Frown:            0.3,
			Surprise:         0.6,
			ThinkingBrow:     0.3,
			ThinkingFrownMax: 0.2,
		},
	}
}
