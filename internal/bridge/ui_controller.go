package bridge

import (
	"log"
)

// ProfileRecorder remembers the profile of the last started ride
type ProfileRecorder interface {
	SetLastProfile(name string) error
}

// UIController handles UI events and coordinates with the UIModel
type UIController struct {
	model    *UIModel
	ride     RideControl
	profiles ProfileRecorder
	profile  string
	logger   *log.Logger
}

// NewUIControllerArg holds the arguments for creating a new UIController
type NewUIControllerArg struct {
	Model *UIModel
	Ride  RideControl
	// Profiles and Profile are optional; when set, starting a ride records Profile
	Profiles ProfileRecorder
	Profile  string
	Logger   *log.Logger
}

// NewUIController creates a new UIController with the given dependencies
func NewUIController(args NewUIControllerArg) *UIController {
	if args.Model == nil {
		panic("UIController: model cannot be nil")
	}
	if args.Ride == nil {
		panic("UIController: ride cannot be nil")
	}
	if args.Logger == nil {
		panic("UIController: logger cannot be nil")
	}
	return &UIController{
		model:    args.Model,
		ride:     args.Ride,
		profiles: args.Profiles,
		profile:  args.Profile,
		logger:   args.Logger,
	}
}

// OnEscapeKey handles when the Escape key is pressed
func (c *UIController) OnEscapeKey() {
	c.model.RequestCloseApplication()
}

// OnModeChange handles when the user requests a mode change
func (c *UIController) OnModeChange(mode UIMode) {
	if info, ok := GetUIModeInfo(mode); ok {
		c.logger.Printf("Switching to %s page", info.DisplayName)
	}
	c.model.SetMode(mode)
}

// StartRide starts or resumes the ride
func (c *UIController) StartRide() {
	if c.profiles != nil && c.profile != "" && c.ride.Status().State == RideIdle {
		if err := c.profiles.SetLastProfile(c.profile); err != nil {
			c.logger.Printf("Could not remember profile: %v", err)
		}
	}
	c.ride.Start()
}

// ToggleRide starts, pauses, or resumes the ride based on current state
func (c *UIController) ToggleRide() {
	switch c.ride.Status().State {
	case RideIdle, RidePaused:
		c.StartRide()
	case RideRunning:
		c.ride.Pause()
	}
}

// StopRide stops the ride and resets the counters
func (c *UIController) StopRide() {
	c.ride.Stop()
}
