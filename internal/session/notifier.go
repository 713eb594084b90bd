package session

import (
	"encoding/json"

	"go.uber.org/zap"
)

// BuildState summarizes the registry for the host.
func BuildState(reg *Registry) StateUpdate {
	cameras := reg.Cameras()
	state := StateUpdate{
		Type:    TypeStateUpdate,
		Clients: make([]ClientState, 0, len(cameras)),
	}

	all := len(cameras) > 0
	for _, cam := range cameras {
		state.Clients = append(state.Clients, ClientState{ClientID: cam.ID, IsRecording: cam.Recording})
		all = all && cam.Recording
	}
	state.IsRecordingAll = all

	return state
}

// Notifier pushes state updates to the current host.
type Notifier struct {
	log *zap.Logger
}

func NewNotifier(log *zap.Logger) *Notifier {
	return &Notifier{log: log}
}

// Broadcast sends the registry state to the host, if one is connected.
func (n *Notifier) Broadcast(reg *Registry) {
	host := reg.Host()
	if host == nil {
		return
	}

	payload, err := json.Marshal(BuildState(reg))
	if err != nil {
		n.log.Error("failed to encode state update", zap.Error(err))
		return
	}
	if !host.send(payload) {
		n.log.Warn("host outbound queue full, state update dropped")
	}
}
