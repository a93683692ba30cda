// Command debug-hostd is the control plane's entrypoint: flag parsing,
// service bag construction, and signal-driven graceful shutdown. Grounded
// on the teacher's root main.go (flaggy flag set, lo.Find build-info
// lookup, KnownError-aware error reporting), with the gocui run loop
// replaced by an HTTP server and a context cancelled on SIGINT/SIGTERM.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	yaml "github.com/jesseduffield/yaml"
	"github.com/samber/lo"

	"github.com/debug-host/hostd/pkg/app"
	"github.com/debug-host/hostd/pkg/config"
	"github.com/debug-host/hostd/pkg/utils"
)

const defaultVersion = "unversioned"

var (
	commit  string
	version = defaultVersion
	date    string

	configFlag    = false
	debuggingFlag = false
	portFlag      = 0
)

func main() {
	updateBuildInfo()

	info := fmt.Sprintf(
		"%s\nDate: %s\nCommit: %s\nOS: %s\nArch: %s",
		version, date, commit, runtime.GOOS, runtime.GOARCH,
	)

	flaggy.SetName("debug-hostd")
	flaggy.SetDescription("Local developer debug-host control plane")
	flaggy.DefaultParser.AdditionalHelpPrepend = "https://github.com/debug-host/hostd"

	flaggy.Bool(&configFlag, "c", "config", "Print the current default config")
	flaggy.Bool(&debuggingFlag, "d", "debug", "Enable debug logging")
	flaggy.Int(&portFlag, "p", "port", "Override the bind port")
	flaggy.SetVersion(info)

	flaggy.Parse()

	if configFlag {
		printDefaultConfig()
		os.Exit(0)
	}

	appConfig, err := config.NewAppConfig("debug-hostd", version, commit, date, debuggingFlag)
	if err != nil {
		log.Fatal(err.Error())
	}
	if portFlag != 0 {
		appConfig.UserConfig.Port = portFlag
	}

	a, err := app.New(appConfig)
	if err != nil {
		reportFatal(a, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.Start()
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			reportFatal(a, err)
		}
	case <-ctx.Done():
		a.Log.Info("received shutdown signal, draining background tasks")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			a.Log.WithError(err).Warn("error during graceful shutdown")
		}
		<-serveErr
	}
}

func printDefaultConfig() {
	var buf bytes.Buffer
	if err := yaml.NewEncoder(&buf).Encode(config.GetDefaultConfig()); err != nil {
		log.Fatal(err.Error())
	}
	fmt.Printf("%s\n", buf.String())
}

// reportFatal mirrors the teacher's KnownError-aware error path: known,
// friendly daemon errors print a one-line message, everything else gets
// a full stack trace before exiting non-zero.
func reportFatal(a *app.App, err error) {
	if a != nil {
		if msg, known := a.KnownError(err); known {
			log.Println(msg)
			os.Exit(1)
		}
	}

	newErr := errors.Wrap(err, 0)
	stackTrace := newErr.ErrorStack()
	if a != nil {
		a.Log.Error(stackTrace)
	}
	log.Fatalf("debug-hostd failed to start\n\n%s", stackTrace)
}

func updateBuildInfo() {
	if version != defaultVersion {
		return
	}
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	revision, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
		return setting.Key == "vcs.revision"
	})
	if ok {
		commit = revision.Value
		version = utils.SafeTruncate(revision.Value, 7)
	}

	buildTime, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
		return setting.Key == "vcs.time"
	})
	if ok {
		date = buildTime.Value
	}
}
