package types

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// KeypointNames are the COCO body joints, in model output order
var KeypointNames = [17]string{
	"nose",
	"left_eye",
	"right_eye",
	"left_ear",
	"right_ear",
	"left_shoulder",
	"right_shoulder",
	"left_elbow",
	"right_elbow",
	"left_wrist",
	"right_wrist",
	"left_hip",
	"right_hip",
	"left_knee",
	"right_knee",
	"left_ankle",
	"right_ankle",
}

// KeypointName returns the joint name for index i of an n-keypoint skeleton
func KeypointName(i, n int) string {
	if n == len(KeypointNames) && i >= 0 && i < n {
		return KeypointNames[i]
	}
	return fmt.Sprintf("kp_%d", i)
}

// PoseEstimate is one inference step: keypoint coordinates and a
// parallel confidence vector with values in [0,1].
type PoseEstimate struct {
	Keypoints   [][3]float64
	Confidences []float64
}

// Clone returns a deep copy
func (p PoseEstimate) Clone() PoseEstimate {
	return PoseEstimate{
		Keypoints:   append([][3]float64(nil), p.Keypoints...),
		Confidences: append([]float64(nil), p.Confidences...),
	}
}

// Person is an accepted pose. Keypoints whose confidence did not pass the
// threshold hold NaN coordinates and Valid[i] == false.
type Person struct {
	Seq         uint64
	Timestamp   time.Time
	TraceID     string
	Keypoints   [][3]float64
	Confidences []float64
	Valid       []bool
	ValidCount  int
}

// Clone returns a deep copy
func (p *Person) Clone() *Person {
	if p == nil {
		return nil
	}
	out := *p
	out.Keypoints = append([][3]float64(nil), p.Keypoints...)
	out.Confidences = append([]float64(nil), p.Confidences...)
	out.Valid = append([]bool(nil), p.Valid...)
	return &out
}

// Keypoint is the wire form of one joint. Invalid joints carry null coordinates.
type Keypoint struct {
	X          *float64 `json:"x"`
	Y          *float64 `json:"y"`
	Z          *float64 `json:"z"`
	Confidence float64  `json:"confidence"`
	Valid      bool     `json:"valid"`
}

// PersonMessage is the JSON payload published for an accepted person
type PersonMessage struct {
	InstanceID    string              `json:"instance_id"`
	RoomID        string              `json:"room_id"`
	InferenceType string              `json:"inference_type"`
	Seq           uint64              `json:"seq"`
	TraceID       string              `json:"trace_id"`
	ValidCount    int                 `json:"valid_keypoints"`
	Keypoints     map[string]Keypoint `json:"keypoints"`
	Timestamp     string              `json:"timestamp"`
}

// Message converts the person to its wire form
func (p *Person) Message(instanceID, roomID string) PersonMessage {
	n := len(p.Keypoints)
	msg := PersonMessage{
		InstanceID:    instanceID,
		RoomID:        roomID,
		InferenceType: "pose_keypoints",
		Seq:           p.Seq,
		TraceID:       p.TraceID,
		ValidCount:    p.ValidCount,
		Keypoints:     make(map[string]Keypoint, n),
		Timestamp:     p.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	for i, kp := range p.Keypoints {
		k := Keypoint{Confidence: p.Confidences[i], Valid: p.Valid[i]}
		if p.Valid[i] && !math.IsNaN(kp[0]) {
			x, y, z := kp[0], kp[1], kp[2]
			k.X, k.Y, k.Z = &x, &y, &z
		}
		msg.Keypoints[KeypointName(i, n)] = k
	}
	return msg
}

// ToJSON marshals the wire form of the person
func (p *Person) ToJSON(instanceID, roomID string) ([]byte, error) {
	return json.Marshal(p.Message(instanceID, roomID))
}

// Snapshot is the latest pipeline output handed to presentation sinks.
// Values are copies; sinks may keep them.
type Snapshot struct {
	// Seq counts frames processed so far
	Seq uint64
	// Person is the most recently accepted person, nil if none yet
	Person *Person
	// Detected reports whether the frame at Seq produced a person
	Detected bool
	// Conditioned is the most recently conditioned CSI tensor pair
	Conditioned *ConditionedCSI
	UpdatedAt   time.Time
}
