package types

import "time"

// Frame is a single sample read from the video source.
// Timestamp is on the source clock and strictly increases across accepted frames.
type Frame struct {
	Seq       uint64
	Timestamp time.Duration
	Data      []byte // JPEG bytes, treated as immutable once published
}

// TimestampMs returns the frame timestamp in whole milliseconds, the unit the landmark engine expects.
func (f Frame) TimestampMs() int64 {
	return f.Timestamp.Milliseconds()
}

// Point is a landmark in normalized [0,1] image coordinates (Z is relative depth).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// FaceLandmarks is the ordered landmark mesh for one face.
type FaceLandmarks []Point

// At returns the landmark at index i, or false if the mesh does not contain it.
func (f FaceLandmarks) At(i int) (Point, bool) {
	if i < 0 || i >= len(f) {
		return Point{}, false
	}
	return f[i], true
}

// Category is a single blendshape score.
type Category struct {
	Name  string  `json:"categoryName"`
	Score float64 `json:"score"`
}

// BlendshapeSet holds the facial-action scores for one face.
type BlendshapeSet struct {
	Categories []Category `json:"categories"`
}

// Scores flattens the set into a name→score lookup.
func (b BlendshapeSet) Scores() map[string]float64 {
	m := make(map[string]float64, len(b.Categories))
	for _, c := range b.Categories {
		m[c.Name] = c.Score
	}
	return m
}

// DetectionResult is the landmark engine output for one frame.
// Faces and Blendshapes are index-aligned.
type DetectionResult struct {
	Faces       []FaceLandmarks `json:"faceLandmarks"`
	Blendshapes []BlendshapeSet `json:"faceBlendshapes"`
}

// FaceCount is nil-safe.
func (r *DetectionResult) FaceCount() int {
	if r == nil {
		return 0
	}
	return len(r.Faces)
}

// Alert is a throttled behavioral notification. Kind is the de-duplication key.
type Alert struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
