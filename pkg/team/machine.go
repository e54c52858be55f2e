package team

import (
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/statemachine"
)

// TeamEvent drives the team status machine.
type TeamEvent string

// Team status events.
const (
	EventStart    TeamEvent = "start"
	EventScale    TeamEvent = "scale"
	EventScaled   TeamEvent = "scaled"
	EventPause    TeamEvent = "pause"
	EventResume   TeamEvent = "resume"
	EventComplete TeamEvent = "complete"
	EventFail     TeamEvent = "fail"
	EventDestroy  TeamEvent = "destroy"
)

// newTeamMachine declares the team status transition table.
//
//	creating -> active <-> paused
//	active -> scaling -> active
//	active -> completed | failed
//	anything non-terminal -> destroyed
//
// destroyed is the only terminal status; a completed or failed team can
// still be destroyed to cascade-delete its agents.
func newTeamMachine() *statemachine.Machine[models.TeamStatus, TeamEvent] {
	m := statemachine.New[models.TeamStatus, TeamEvent]()

	m.AddTransition(models.TeamStatusCreating, EventStart, models.TeamStatusActive)
	m.AddTransition(models.TeamStatusActive, EventScale, models.TeamStatusScaling)
	m.AddTransition(models.TeamStatusScaling, EventScaled, models.TeamStatusActive)
	m.AddTransition(models.TeamStatusActive, EventPause, models.TeamStatusPaused)
	m.AddTransition(models.TeamStatusPaused, EventResume, models.TeamStatusActive)
	m.AddTransition(models.TeamStatusActive, EventComplete, models.TeamStatusCompleted)
	m.AddTransition(models.TeamStatusActive, EventFail, models.TeamStatusFailed)
	m.AddTransition(models.TeamStatusScaling, EventFail, models.TeamStatusFailed)

	for _, from := range []models.TeamStatus{
		models.TeamStatusCreating,
		models.TeamStatusActive,
		models.TeamStatusScaling,
		models.TeamStatusPaused,
		models.TeamStatusCompleted,
		models.TeamStatusFailed,
	} {
		m.AddTransition(from, EventDestroy, models.TeamStatusDestroyed)
	}

	return m
}

// busEventFor maps a status event to the bus event type announced after the
// transition commits. Scale is announced as team.scaled once the resize
// finishes, not on entering the scaling status.
func busEventFor(event TeamEvent) string {
	switch event {
	case EventStart:
		return "team.active"
	case EventScaled:
		return "team.scaled"
	case EventPause:
		return "team.paused"
	case EventResume:
		return "team.resumed"
	case EventComplete:
		return "team.completed"
	case EventFail:
		return "team.failed"
	case EventDestroy:
		return "team.destroyed"
	}
	return ""
}
