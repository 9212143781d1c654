package handlers

import (
	"github.com/vanshpatel03/snapera2.0/internal/session"
)

type personaView struct {
	Era         string `json:"era"`
	Name        string `json:"name"`
	Backstory   string `json:"backstory"`
	PortraitURL string `json:"portrait_url"`
	VideoURL    string `json:"video_url,omitempty"`
}

type sessionView struct {
	ID          string       `json:"session_id"`
	State       string       `json:"state"`
	Label       string       `json:"label,omitempty"`
	Notice      string       `json:"notice,omitempty"`
	Error       string       `json:"error,omitempty"`
	FailedStage string       `json:"failed_stage,omitempty"`
	Persona     *personaView `json:"persona,omitempty"`
}

func viewOf(sess *session.Session) sessionView {
	state := sess.State()
	v := sessionView{ID: sess.ID(), State: state.Name()}

	switch s := state.(type) {
	case session.Idle:
		v.Notice = s.Notice
		if s.Failure != nil {
			v.Error = s.Failure.Reason
			v.FailedStage = s.Failure.Stage
		}
	case session.AwaitingGate:
	case session.Running:
		v.Label = s.Label
	case session.Succeeded:
		base := "/api/sessions/" + sess.ID()
		p := &personaView{
			Era:         s.Bundle.Era,
			Name:        s.Bundle.Name,
			Backstory:   s.Bundle.Backstory,
			PortraitURL: base + "/portrait",
		}
		if s.Bundle.HasVideo() {
			p.VideoURL = base + "/video"
		}
		v.Persona = p
	}
	return v
}
