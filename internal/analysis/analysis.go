package analysis

import (
	"math"

	"github.com/andresmejia3/proctor/internal/types"
)

// HeadPoseOffsets returns the nose-tip displacement from the face center.
// ok is false when any of the five required landmarks is missing.
func HeadPoseOffsets(face types.FaceLandmarks) (horizontal, vertical float64, ok bool) {
	nose, ok1 := face.At(NoseTip)
	leftEye, ok2 := face.At(LeftEyeOuter)
	rightEye, ok3 := face.At(RightEyeOuter)
	forehead, ok4 := face.At(Forehead)
	chin, ok5 := face.At(Chin)
	if !(ok1 && ok2 && ok3 && ok4 && ok5) {
		return 0, 0, false
	}

	centerX := (leftEye.X + rightEye.X) / 2
	centerY := (forehead.Y + chin.Y) / 2
	return nose.X - centerX, nose.Y - centerY, true
}

// ClassifyHeadPose maps offsets to a label. Horizontal checks win over vertical ones.
func ClassifyHeadPose(horizontal, vertical float64, t HeadPoseThresholds) types.HeadPose {
	switch {
	case horizontal > t.Horizontal:
		return types.HeadTurnedLeft
	case horizontal < -t.Horizontal:
		return types.HeadTurnedRight
	case vertical > t.Down:
		return types.HeadLookingDown
	case vertical < -t.Up:
		return types.HeadLookingUp
	}
	return types.HeadCentered
}

// AnalyzeHeadPose classifies one face. The caller guarantees a single face is in frame.
func AnalyzeHeadPose(face types.FaceLandmarks, t HeadPoseThresholds) types.HeadPose {
	h, v, ok := HeadPoseOffsets(face)
	if !ok {
		if t.MissingFallback == FallbackCentered {
			return types.HeadCentered
		}
		return types.HeadUnknown
	}
	return ClassifyHeadPose(h, v, t)
}

// IrisPosition returns where the left iris sits between the outer (0) and inner (1) eye corners.
// ok is false when a landmark is missing or the eye has no measurable width.
func IrisPosition(face types.FaceLandmarks) (float64, bool) {
	iris, ok1 := face.At(LeftIrisCenter)
	outer, ok2 := face.At(LeftEyeOuter)
	inner, ok3 := face.At(LeftEyeInner)
	if !(ok1 && ok2 && ok3) {
		return 0, false
	}

	width := math.Abs(inner.X - outer.X)
	if width == 0 {
		return 0, false
	}
	return (iris.X - outer.X) / width, true
}

// ClassifyGaze maps an iris position to a label.
func ClassifyGaze(position float64, t GazeThresholds) types.Gaze {
	if position < t.Min || position > t.Max {
		return types.GazeLookingAway
	}
	return types.GazeFocused
}

func AnalyzeGaze(face types.FaceLandmarks, t GazeThresholds) types.Gaze {
	pos, ok := IrisPosition(face)
	if !ok {
		return types.GazeUnknown
	}
	return ClassifyGaze(pos, t)
}

// EmotionScores are the composite signals derived from blendshapes.
type EmotionScores struct {
	Smile       float64
	Frown       float64
	Surprise    float64
	BrowInnerUp float64
}

// ScoreEmotion derives composite scores. Absent categories count as 0.
func ScoreEmotion(shapes types.BlendshapeSet) EmotionScores {
	m := shapes.Scores()
	return EmotionScores{
		Smile:       (m[MouthSmileLeft] + m[MouthSmileRight]) / 2,
		Frown:       (m[BrowDownLeft] + m[BrowDownRight] + m[MouthFrownLeft] + m[MouthFrownRight]) / 4,
		Surprise:    m[BrowInnerUp] + m[JawOpen],
		BrowInnerUp: m[BrowInnerUp],
	}
}

// ClassifyEmotion picks the first matching label: smile, frown, surprise, thinking.
func ClassifyEmotion(s EmotionScores, t EmotionThresholds) types.Emotion {
	switch {
	case s.Smile > t.Smile:
		return types.EmotionConfident
	case s.Frown > t.Frown:
		return types.EmotionConcerned
	case s.Surprise > t.Surprise:
		return types.EmotionSurprised
	case s.BrowInnerUp > t.ThinkingBrow && s.Frown < t.ThinkingFrownMax:
		return types.EmotionThinking
	}
	return types.EmotionNeutral
}

func AnalyzeEmotion(shapes types.BlendshapeSet, t EmotionThresholds) types.Emotion {
	return ClassifyEmotion(ScoreEmotion(shapes), t)
}

// Result bundles the three labels for one face.
type Result struct {
	HeadPose types.HeadPose
	Gaze     types.Gaze
	Emotion  types.Emotion
}

// Analyzer runs all three classifiers with a fixed set of thresholds.
type Analyzer struct {
	Thresholds Thresholds
}

func NewAnalyzer(t Thresholds) *Analyzer {
	return &Analyzer{Thresholds: t}
}

// Analyze classifies the primary (first) face of a single-face result.
func (a *Analyzer) Analyze(res *types.DetectionResult) Result {
	if res.FaceCount() == 0 {
		return Result{HeadPose: types.HeadUnknown, Gaze: types.GazeUnknown, Emotion: types.EmotionNeutral}
	}
	face := res.Faces[0]

	var shapes types.BlendshapeSet
	if len(res.Blendshapes) > 0 {
		shapes = res.Blendshapes[0]
	}

	return Result{
		HeadPose: AnalyzeHeadPose(face, a.Thresholds.HeadPose),
		Gaze:     AnalyzeGaze(face, a.Thresholds.Gaze),
		Emotion:  AnalyzeEmotion(shapes, a.Thresholds.Emotion),
	}
}
