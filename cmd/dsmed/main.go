// dsmed is a device state management daemon: a single-threaded,
// plugin-extensible core providing a message bus, a Unix-socket IPC
// surface, a D-Bus proxy, and a watchdog heartbeat relay.
//
// Usage:
//
//	dsmed -p state -p alarmtracker -p diskmonitor -p dbusautoconnect [flags]
//
// Flags:
//
//	-p <name>      startup module to load, repeatable, at least one required
//	-l <method>    log method: none|stderr|syslog|file (default syslog)
//	-v <3..7>      log verbosity
//	-i <pattern>   include rule, repeatable (file:func glob)
//	-e <pattern>   exclude rule, repeatable (file:func glob)
//	-s             signal the parent with SIGUSR1 once ready
//	--valgrind     runtime debugging aid (disables OOM/scheduling tuning)
//	-h             usage and exit 0
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tinydsme/dsmed/bus"
	"github.com/tinydsme/dsmed/config"
	"github.com/tinydsme/dsmed/dbusproxy"
	"github.com/tinydsme/dsmed/logger"
	"github.com/tinydsme/dsmed/loop"
	"github.com/tinydsme/dsmed/pluginmgr"
	"github.com/tinydsme/dsmed/plugins"
	"github.com/tinydsme/dsmed/socket"
	"github.com/tinydsme/dsmed/watchdog"
	"github.com/tinydsme/dsmed/wire"
)

// oomScoreAdjProtect is the oom_score_adj value dsme sets for itself
// before any secondary thread exists, per spec.md §5.
const oomScoreAdjProtect = -1000

type stringList []string

func (s *stringList) String() string { return fmt.Sprint([]string(*s)) }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("dsmed", flag.ContinueOnError)
	fs.Usage = func() { printUsage(fs) }
	fs.SetOutput(os.Stderr)

	var (
		modules   stringList
		includes  stringList
		excludes  stringList
		logMethod = fs.String("l", "syslog", "log method: none|stderr|syslog|file")
		verbosity = fs.Int("v", 6, "log verbosity 3..7")
		notifyPPI = fs.Bool("s", false, "signal the parent with SIGUSR1 once ready")
		valgrind  = fs.Bool("valgrind", false, "runtime debugging aid")
		help      = fs.Bool("h", false, "usage")
	)
	fs.Var(&modules, "p", "startup module (repeatable)")
	fs.Var(&includes, "i", "include rule file:func (repeatable)")
	fs.Var(&excludes, "e", "exclude rule file:func (repeatable)")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		printUsage(fs)
		return 1
	}
	if *help {
		printUsage(fs)
		return 0
	}
	if fs.NArg() > 0 {
		printUsage(fs)
		return 1
	}
	if len(modules) == 0 {
		fmt.Fprintln(os.Stderr, "dsmed: at least one -p <module> is required")
		printUsage(fs)
		return 1
	}

	if !*valgrind {
		tuneProcess()
	}

	cfg := config.DefaultConfig()
	cfg.Plugins = modules
	cfg.Logging.Method = *logMethod
	cfg.Logging.Verbosity = *verbosity
	cfg.Logging.Include = includes
	cfg.Logging.Exclude = excludes

	log := logger.New()
	method := logMethodFromString(cfg.Logging.Method)
	if err := log.Open(method, logger.Priority(cfg.Logging.Verbosity), "dsmed", cfg.Logging.FilePath); err != nil {
		fmt.Fprintf(os.Stderr, "dsmed: logger init failed: %v\n", err)
		return 1
	}
	defer log.Close()
	for _, pat := range cfg.Logging.Include {
		log.Include(pat)
	}
	for _, pat := range cfg.Logging.Exclude {
		log.Exclude(pat)
	}

	l, err := loop.New()
	if err != nil {
		log.Log(logger.EMERG, "main", "run", "loop init failed: %v", err)
		return 1
	}
	defer l.Close()

	mgr := pluginmgr.NewManager()
	catalog := wire.NewCatalog()
	msgBus := bus.New(mgr, catalog, log)
	ts := loop.NewTimerService(l)

	sockServer := socket.New(socket.Config{
		Path:             cfg.SockPath,
		CompatPingToPong: cfg.Socket.CompatPingToPong,
	}, l, msgBus, catalog, log)
	if err := sockServer.Listen(); err != nil {
		log.Log(logger.EMERG, "main", "run", "socket listen failed: %v", err)
		return 1
	}
	defer sockServer.Shutdown()

	privileged := make(map[uint32]bool, len(cfg.DBus.PrivilegedUIDs))
	for _, uid := range cfg.DBus.PrivilegedUIDs {
		privileged[uid] = true
	}
	proxy := dbusproxy.New(dbusproxy.Config{
		ServiceName:           cfg.DBus.ServiceName,
		PrivilegedUIDs:        privileged,
		RebootOnBusDisconnect: cfg.DBus.RebootOnBusDisconnect,
		MarkerFilePath:        cfg.DBus.MarkerFilePath,
	}, mgr, msgBus, log)
	if err := proxy.AttachToLoop(l); err != nil {
		log.Log(logger.EMERG, "main", "run", "dbus proxy attach failed: %v", err)
		return 1
	}

	if cfg.Watchdog.Enabled {
		relay := watchdog.New(l, msgBus)
		if err := relay.Attach(); err != nil {
			log.Log(logger.EMERG, "main", "run", "watchdog attach failed: %v", err)
			return 1
		}
	}

	registerBuiltinPlugins(mgr, msgBus, ts, l, proxy, log, cfg)

	if err := mgr.Init(cfg.Plugins); err != nil {
		log.Log(logger.EMERG, "main", "run", "plugin init failed: %v", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		l.Quit(0)
	}()

	if *notifyPPI {
		if ppid := os.Getppid(); ppid > 1 {
			syscall.Kill(ppid, syscall.SIGUSR1)
		}
	}

	l.Run(nil)

	return l.ExitCode()
}

// registerBuiltinPlugins wires every illustrative plugin factory into
// the manager. Only the names listed in cfg.Plugins are actually loaded
// (by mgr.Init), matching the startup-module-path CLI contract: -p
// selects from this compiled-in registry instead of dlopen'd shared
// objects.
func registerBuiltinPlugins(mgr *pluginmgr.Manager, b *bus.Bus, ts *loop.TimerService, l *loop.Loop, proxy *dbusproxy.Proxy, log *logger.Logger, cfg *config.Config) {
	mgr.Register("state", func() pluginmgr.Plugin {
		return plugins.NewStateModule(b, proxy)
	})
	mgr.Register("alarmtracker", func() pluginmgr.Plugin {
		return plugins.NewAlarmTracker(proxy, log, "")
	})
	mgr.Register("diskmonitor", func() pluginmgr.Plugin {
		return plugins.NewDiskMonitor(b, ts, l, log, cfg.Disk)
	})
	mgr.Register("battery", func() pluginmgr.Plugin {
		return plugins.NewBattery(b, ts, "")
	})
	mgr.Register("dbusautoconnect", func() pluginmgr.Plugin {
		return plugins.NewDBusAutoconnect(proxy, b, ts, l, log, "")
	})
}

func logMethodFromString(s string) logger.Method {
	switch s {
	case "stderr":
		return logger.MethodStderr
	case "syslog":
		return logger.MethodSyslog
	case "file":
		return logger.MethodFile
	default:
		return logger.MethodNone
	}
}

// tuneProcess applies the startup OOM and scheduling protections
// spec.md §5 requires before any secondary thread is created. Run
// before the logger's writer goroutine and the D-Bus proxy's signal
// goroutine start.
func tuneProcess() {
	_ = os.WriteFile("/proc/self/oom_score_adj", []byte(fmt.Sprintf("%d", oomScoreAdjProtect)), 0o644)

	// Modest real-time priority: high enough to preempt ordinary
	// background load, low enough to leave true RT work (audio, etc.)
	// alone.
	_ = unix.SchedSetscheduler(0, unix.SCHED_FIFO, &unix.SchedParam{Priority: 1})
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintln(os.Stderr, "usage: dsmed -p <module> [-p <module> ...] [-l none|stderr|syslog|file] [-v 3..7] [-i pattern] [-e pattern] [-s] [--valgrind] [-h]")
}
