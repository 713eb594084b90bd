package session

import "encoding/json"

const (
	CommandStartAll       = "start_all"
	CommandStopAll        = "stop_all"
	CommandStartRecording = "start_recording"
	CommandStopRecording  = "stop_recording"

	TypeRecordingFullyStopped = "recording_fully_stopped"
	TypeStateUpdate           = "state_update"
)

// ControlMessage is any JSON text frame exchanged with a participant. Hosts
// send commands, cameras acknowledge with a type.
type ControlMessage struct {
	Command string `json:"command,omitempty"`
	Type    string `json:"type,omitempty"`
}

// ClientState is one camera entry of a state update.
type ClientState struct {
	ClientID    string `json:"clientId"`
	IsRecording bool   `json:"isRecording"`
}

// StateUpdate is sent to the host whenever membership or recording state changes.
type StateUpdate struct {
	Type           string        `json:"type"`
	IsRecordingAll bool          `json:"isRecordingAll"`
	Clients        []ClientState `json:"clients"`
}

// parseControl decodes a text frame. ok is false for anything that is not a JSON object.
func parseControl(data []byte) (msg ControlMessage, ok bool) {
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, false
	}
	return msg, true
}

func instruction(command string) []byte {
	b, _ := json.Marshal(ControlMessage{Command: command})
	return b
}
