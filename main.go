// rdp-stream-client subscribes to real-time market data and prints messages and statistics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/zerodha/rdp-stream-client/app"
	"github.com/zerodha/rdp-stream-client/cmd"
	"github.com/zerodha/rdp-stream-client/logging"
)

var (
	// CLIENT_VERSION will be injected during the build process by the justfile
	CLIENT_VERSION = "v0.0.0"

	// buildString will be injected during the build process with build time and git info
	buildString = "dev build"
)

// initLogger defaults to INFO; LOG_LEVEL (debug, info, warn, error) overrides it and
// --debug raises it later through the returned LevelVar.
func initLogger() (*slog.Logger, *logging.Buffer, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(os.Getenv("LOG_LEVEL")))
	logger, buf := logging.New(os.Stderr, level)
	return logger, buf, level
}

func main() {
	logger, logBuffer, level := initLogger()
	slog.SetDefault(logger)

	root := cmd.NewRootCommand(cmd.Options{
		Version:   CLIENT_VERSION,
		Build:     buildString,
		Logger:    logger,
		LogBuffer: logBuffer,
		LogLevel:  level,
	})

	err := root.ExecuteContext(context.Background())
	switch {
	case err == nil:
	case errors.Is(err, app.ErrInvalidConfig):
		fmt.Println(err)
		fmt.Println("Exit due to invalid arguments")
	case errors.Is(err, app.ErrLogFile):
		fmt.Println(err)
	default:
		logger.Error("Client failed", "error", err)
	}
	if code := exitCode(err); code != 0 {
		os.Exit(code)
	}
}

// exitCode maps a command error to the process exit status: 2 for argument and
// log file problems, 1 for any other failure.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, app.ErrInvalidConfig), errors.Is(err, app.ErrLogFile):
		return 2
	default:
		return 1
	}
}
