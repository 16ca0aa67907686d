package protocol

import "time"

// AudioFrame carries PCM audio streamed from an edge microphone.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// CaptureStatus is the reply an edge device sends to a capture control request.
type CaptureStatus struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"` // ok | device_unavailable | permission_denied
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	CaptureStatusOK                = "ok"
	CaptureStatusDeviceUnavailable = "device_unavailable"
	CaptureStatusPermissionDenied  = "permission_denied"
)

// SpeakChunk carries synthesized assistant audio toward an edge speaker.
type SpeakChunk struct {
	SessionID  string `json:"session_id"`
	MessageID  string `json:"message_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// SpeakMarker signals playback lifecycle changes to the edge speaker.
type SpeakMarker struct {
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id"`
	State     string    `json:"state"` // finished | cancelled
	Timestamp time.Time `json:"timestamp"`
}

const (
	SpeakStateFinished  = "finished"
	SpeakStateCancelled = "cancelled"
)

// Announce is published by an edge device when it joins the bus.
type Announce struct {
	DeviceID     string    `json:"device_id"`
	Role         string    `json:"role"` // microphone | speaker | duplex
	Capabilities []string  `json:"capabilities,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Heartbeat keeps a device marked healthy in the registry.
type Heartbeat struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Edge device roles carried in Announce.
const (
	RoleMicrophone = "microphone"
	RoleSpeaker    = "speaker"
	RoleDuplex     = "duplex"
)

const (
	SubjectAudioFramePrefix   = "audio.frame"
	SubjectCaptureStartPrefix = "capture.start"
	SubjectCaptureStopPrefix  = "capture.stop"
	SubjectSpeakAudioPrefix   = "speak.audio"
	SubjectSpeakMarkerPrefix  = "speak.marker"
	SubjectDeviceAnnounce     = "ctrl.device.announce"
	SubjectDeviceHeartbeatPfx = "ctrl.device.heartbeat"
)

// AudioFrameSubject returns the per-session microphone subject.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}

// CaptureStartSubject returns the per-session capture acquisition subject.
func CaptureStartSubject(sessionID string) string {
	return SubjectCaptureStartPrefix + "." + sessionID
}

// CaptureStopSubject returns the per-session capture release subject.
func CaptureStopSubject(sessionID string) string {
	return SubjectCaptureStopPrefix + "." + sessionID
}

// SpeakAudioSubject returns the per-session speaker subject.
func SpeakAudioSubject(sessionID string) string {
	return SubjectSpeakAudioPrefix + "." + sessionID
}

// SpeakMarkerSubject returns the per-session playback marker subject.
func SpeakMarkerSubject(sessionID string) string {
	return SubjectSpeakMarkerPrefix + "." + sessionID
}
