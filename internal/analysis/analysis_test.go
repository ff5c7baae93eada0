package analysis

import (
	"math/rand/v2"
	"testing"

	"github.com/andresmejia3/proctor/internal/types"
	"github.com/stretchr/testify/assert"
)

// meshWith returns a full-size mesh with a neutral, centered face and the given overrides applied.
func meshWith(overrides map[int]types.Point) types.FaceLandmarks {
	face := make(types.FaceLandmarks, NumMeshLandmarks)
	face[NoseTip] = types.Point{X: 0.5, Y: 0.5}
	face[LeftEyeOuter] = types.Point{X: 0.4, Y: 0.4}
	face[RightEyeOuter] = types.Point{X: 0.6, Y: 0.4}
	face[Forehead] = types.Point{X: 0.5, Y: 0.2}
	face[Chin] = types.Point{X: 0.5, Y: 0.8}
	face[LeftEyeInner] = types.Point{X: 0.6, Y: 0.4}
	face[LeftIrisCenter] = types.Point{X: 0.5, Y: 0.4}
	for i, p := range overrides {
		face[i] = p
	}
	return face
}

func blendshapes(scores map[string]float64) types.BlendshapeSet {
	var set types.BlendshapeSet
	for name, score := range scores {
		set.Categories = append(set.Categories, types.Category{Name: name, Score: score})
	}
	return set
}

func TestClassifyHeadPose(t *testing.T) {
	th := DefaultThresholds().HeadPose

	tests := []struct {
		name       string
		horizontal float64
		vertical   float64
		want       types.HeadPose
	}{
		{"centered", 0, 0, types.HeadCentered},
		{"turned left", 0.03, 0, types.HeadTurnedLeft},
		{"turned left wins over down", 0.03, 0.5, types.HeadTurnedLeft},
		{"turned left wins over up", 0.03, -0.5, types.HeadTurnedLeft},
		{"turned right", -0.03, 0, types.HeadTurnedRight},
		{"looking down", 0, 0.05, types.HeadLookingDown},
		{"small dip tolerated", 0, 0.03, types.HeadCentered},
		{"looking up", 0, -0.03, types.HeadLookingUp},
		{"exact boundary is centered", 0.02, 0.04, types.HeadCentered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyHeadPose(tt.horizontal, tt.vertical, th))
		})
	}
}

func TestClassifyHeadPose_Precedence(t *testing.T) {
	th := DefaultThresholds().HeadPose
	r := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 5000; i++ {
		h := r.Float64()*0.2 - 0.1
		v := r.Float64()*0.2 - 0.1
		got := ClassifyHeadPose(h, v, th)

		switch {
		case h > th.Horizontal:
			assert.Equal(t, types.HeadTurnedLeft, got, "h=%f v=%f", h, v)
		case h < -th.Horizontal:
			assert.Equal(t, types.HeadTurnedRight, got, "h=%f v=%f", h, v)
		case v > th.Down:
			assert.Equal(t, types.HeadLookingDown, got, "h=%f v=%f", h, v)
		case v < -th.Up:
			assert.Equal(t, types.HeadLookingUp, got, "h=%f v=%f", h, v)
		default:
			assert.Equal(t, types.HeadCentered, got, "h=%f v=%f", h, v)
		}
		// Pure: same input, same output.
		assert.Equal(t, got, ClassifyHeadPose(h, v, th))
	}
}

func TestAnalyzeHeadPose(t *testing.T) {
	th := DefaultThresholds().HeadPose

	face := meshWith(map[int]types.Point{NoseTip: {X: 0.53, Y: 0.9}})
	assert.Equal(t, types.HeadTurnedLeft, AnalyzeHeadPose(face, th))

	face = meshWith(map[int]types.Point{NoseTip: {X: 0.5, Y: 0.45}})
	assert.Equal(t, types.HeadLookingUp, AnalyzeHeadPose(face, th))

	assert.Equal(t, types.HeadCentered, AnalyzeHeadPose(meshWith(nil), th))
}

func TestAnalyzeHeadPose_MissingLandmark(t *testing.T) {
	th := DefaultThresholds().HeadPose
	truncated := meshWith(nil)[:100] // chin (152) and right eye (263) absent

	assert.Equal(t, types.HeadCentered, AnalyzeHeadPose(truncated, th), "stock tuning reports a centered head")

	th.MissingFallback = FallbackUnknown
	assert.Equal(t, types.HeadUnknown, AnalyzeHeadPose(truncated, th))
}

func TestAnalyzeGaze(t *testing.T) {
	th := DefaultThresholds().Gaze

	tests := []struct {
		name  string
		irisX float64
		want  types.Gaze
	}{
		{"center", 0.5, types.GazeFocused},                 // position 0.5
		{"toward outer", 0.44, types.GazeLookingAway},      // position 0.2
		{"toward inner", 0.58, types.GazeLookingAway},      // position 0.9
		{"just outside band", 0.46, types.GazeLookingAway}, // position 0.3
		{"inside band", 0.52, types.GazeFocused},           // position 0.6
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			face := meshWith(map[int]types.Point{LeftIrisCenter: {X: tt.irisX, Y: 0.4}})
			assert.Equal(t, tt.want, AnalyzeGaze(face, th))
		})
	}
}

func TestClassifyGaze(t *testing.T) {
	th := DefaultThresholds().Gaze
	assert.Equal(t, types.GazeFocused, ClassifyGaze(0.5, th))
	assert.Equal(t, types.GazeLookingAway, ClassifyGaze(0.2, th))
	assert.Equal(t, types.GazeLookingAway, ClassifyGaze(0.7, th))
	assert.Equal(t, types.GazeFocused, ClassifyGaze(0.35, th))
	assert.Equal(t, types.GazeFocused, ClassifyGaze(0.65, th))
}

func TestAnalyzeGaze_Unknown(t *testing.T) {
	th := DefaultThresholds().Gaze

	// Mesh without iris refinement points.
	assert.Equal(t, types.GazeUnknown, AnalyzeGaze(meshWith(nil)[:468], th))

	// Degenerate eye with zero width.
	face := meshWith(map[int]types.Point{LeftEyeInner: {X: 0.4, Y: 0.4}})
	assert.Equal(t, types.GazeUnknown, AnalyzeGaze(face, th))
}

func TestClassifyEmotion(t *testing.T) {
	th := DefaultThresholds().Emotion

	tests := []struct {
		name   string
		scores EmotionScores
		want   types.Emotion
	}{
		{"neutral", EmotionScores{}, types.EmotionNeutral},
		{"smile beats frown", EmotionScores{Smile: 0.5, Frown: 0.5}, types.EmotionConfident},
		{"frown", EmotionScores{Frown: 0.35}, types.EmotionConcerned},
		{"surprise", EmotionScores{Surprise: 0.7, BrowInnerUp: 0.35}, types.EmotionSurprised},
		{"thinking", EmotionScores{BrowInnerUp: 0.35, Surprise: 0.35, Frown: 0.1}, types.EmotionThinking},
		{"brow up but frowning", EmotionScores{BrowInnerUp: 0.35, Surprise: 0.35, Frown: 0.25}, types.EmotionNeutral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyEmotion(tt.scores, th))
		})
	}
}

func TestScoreEmotion(t *testing.T) {
	s := ScoreEmotion(blendshapes(map[string]float64{
		MouthSmileLeft:  0.6,
		MouthSmileRight: 0.4,
		BrowDownLeft:    0.4,
		MouthFrownRight: 0.4,
		BrowInnerUp:     0.2,
		JawOpen:         0.3,
		"eyeBlinkLeft":  0.9,
	}))

	assert.InDelta(t, 0.5, s.Smile, 1e-9)
	assert.InDelta(t, 0.2, s.Frown, 1e-9)
	assert.InDelta(t, 0.5, s.Surprise, 1e-9)
	assert.InDelta(t, 0.2, s.BrowInnerUp, 1e-9)

	assert.Equal(t, types.EmotionNeutral, AnalyzeEmotion(types.BlendshapeSet{}, DefaultThresholds().Emotion))
}

func TestAnalyzer_Analyze(t *testing.T) {
	a := NewAnalyzer(DefaultThresholds())

	res := &types.DetectionResult{
		Faces: []types.FaceLandmarks{meshWith(map[int]types.Point{LeftIrisCenter: {X: 0.42, Y: 0.4}})},
		Blendshapes: []types.BlendshapeSet{blendshapes(map[string]float64{
			MouthSmileLeft:  0.9,
			MouthSmileRight: 0.9,
		})},
	}

	got := a.Analyze(res)
	assert.Equal(t, types.HeadCentered, got.HeadPose)
	assert.Equal(t, types.GazeLookingAway, got.Gaze)
	assert.Equal(t, types.EmotionConfident, got.Emotion)

	// Missing blendshapes degrade to Neutral.
	res.Blendshapes = nil
	assert.Equal(t, types.EmotionNeutral, a.Analyze(res).Emotion)
}
