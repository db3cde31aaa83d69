package app

import (
	"fmt"

	"github.com/zerodha/rdp-stream-client/stream"
)

// newSession builds the session for the configured mode. State and event
// callbacks are echoed to the console.
func (app *App) newSession() stream.Session {
	cfg, s := app.Config, app.Settings
	name := string(cfg.Mode)

	scfg := stream.Config{
		Name:         name,
		Logger:       app.logger,
		LoginTimeout: s.LoginTimeout,
		OnState: func(state stream.SessionState, message string) {
			fmt.Fprintln(app.console, name+" session state:", state, message)
		},
		OnEvent: func(event stream.SessionEvent, message string) {
			fmt.Fprintln(app.console, name+" session event:", event, message)
		},
	}

	var auth stream.Authenticator
	switch cfg.Mode {
	case ModePlatform:
		auth = stream.NewPlatformAuth(stream.PlatformConfig{
			AppKey:        cfg.AppKey,
			User:          cfg.User,
			Password:      cfg.Password,
			TokenURL:      s.TokenURL,
			DiscoveryURL:  s.DiscoveryURL,
			Endpoint:      s.StreamingURL,
			Location:      s.Location,
			ApplicationID: s.ApplicationID,
			Position:      s.Position,
			Logger:        app.logger,
		})
	case ModeDeployed:
		auth = &stream.DeployedAuth{
			Host:          cfg.Host,
			User:          cfg.User,
			ApplicationID: s.ApplicationID,
			Position:      s.Position,
		}
	default:
		auth = &stream.DesktopAuth{
			BaseURL:       s.DesktopURL,
			AppKey:        cfg.AppKey,
			ApplicationID: s.ApplicationID,
			Position:      s.Position,
		}
	}
	return stream.New(auth, scfg)
}
