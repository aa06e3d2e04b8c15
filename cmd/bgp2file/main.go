package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cosiner/flag"
	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"

	"github.com/limhud/bgp2file/internal/bgp2file"
	"github.com/limhud/bgp2file/internal/config"
)

// version is set at build time.
var version = "dev"

type cmdFlags struct {
	Config  string `names:"-c, --config" usage:"configuration file" default:"/etc/bgp2file/bgp2file.yml"`
	Debug   bool   `names:"-d, --debug" usage:"enable debug logs, overriding the configuration"`
	Version bool   `names:"-v, --version" usage:"print version and exit"`
}

func (f *cmdFlags) Metadata() map[string]flag.Flag {
	return map[string]flag.Flag{
		"": {
			Usage: "bgp2file connects to BGP peers and captures their messages to rotating dump files.",
		},
	}
}

func main() {
	if err := run(); err != nil {
		loggo.GetLogger("").Errorf(err.Error())
		os.Exit(1)
	}
}

func run() error {
	var flags cmdFlags
	if err := flag.NewFlagSet(flag.Flag{}).ParseStruct(&flags, os.Args...); err != nil {
		return stacktrace.Propagate(err, "fail to parse arguments")
	}
	if flags.Version {
		fmt.Println(version)
		return nil
	}

	loggo.GetLogger("").SetLogLevel(loggo.INFO)
	if flags.Debug {
		loggo.GetLogger("").SetLogLevel(loggo.DEBUG)
		config.SetLogLevelImmutable()
	}

	config.SetConfigFile(flags.Config)
	if err := config.ReadInConfig(); err != nil {
		return stacktrace.Propagate(err, "fail to load configuration")
	}

	srv, err := bgp2file.NewService()
	if err != nil {
		return stacktrace.Propagate(err, "fail to create bgp2file service")
	}
	if err := srv.Start(); err != nil {
		return stacktrace.Propagate(err, "fail to start bgp2file service")
	}
	loggo.GetLogger("").Infof("bgp2file %s started", version)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	for {
		select {
		case sig := <-signalChan:
			if sig == syscall.SIGUSR1 {
				srv.ToggleDebug()
				continue
			}
			loggo.GetLogger("").Infof("received signal <%s>, shutting down", sig)
			return srv.Shutdown(5*time.Second, 30*time.Second)
		case <-srv.Done():
			return srv.Err()
		}
	}
}
