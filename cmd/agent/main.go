package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ebobo/modem_health_go/pkg/agent"
	"github.com/ebobo/modem_health_go/pkg/bus"
	"github.com/ebobo/modem_health_go/pkg/clock"
	"github.com/ebobo/modem_health_go/pkg/download"
	"github.com/ebobo/modem_health_go/pkg/events"
	"github.com/ebobo/modem_health_go/pkg/firmware"
	"github.com/ebobo/modem_health_go/pkg/netwatch"
	"github.com/ebobo/modem_health_go/pkg/server"
	"github.com/ebobo/modem_health_go/pkg/store/kv"
	sqlitestore "github.com/ebobo/modem_health_go/pkg/store/sqlite"
	"github.com/ebobo/modem_health_go/pkg/utility"
)

var opt struct {
	HTTPAddr  string `short:"a" long:"http-addr" env:"HTTP_ADDR" default:":9090" description:"http listen address" required:"yes"`
	LogLevel  string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"trace, debug, info, warn or error"`
	QueueFile string `long:"queue-file" env:"QUEUE_FILE" default:"/var/lib/modem-health/events.db" description:"sqlite file holding undelivered events"`
	StateFile string `long:"state-file" env:"STATE_FILE" default:"/var/lib/modem-health/state.json" description:"json file holding retry counters"`
	RebootLog string `long:"reboot-log" env:"REBOOT_LOG" default:"/var/lib/modem-health/reboots.log" description:"log of watchdog reboots"`
	Serial    string `long:"serial" env:"DEVICE_SERIAL" description:"device serial, read from the device tree when empty"`

	TelemetryURL string `long:"telemetry-url" env:"TELEMETRY_URL" description:"event upload endpoint" required:"yes"`
	InternetHost string `long:"internet-host" env:"INTERNET_HOST" default:"8.8.8.8" description:"host probed for internet reachability"`
	NetworkUnit  string `long:"network-unit" env:"NETWORK_UNIT" default:"NetworkManager.service" description:"unit restarted when the network is lost"`
	ModemUnit    string `long:"modem-unit" env:"MODEM_UNIT" default:"ModemManager.service" description:"unit owning the modem"`

	FirmwareDir   string   `long:"firmware-dir" env:"FIRMWARE_DIR" default:"/var/lib/modem-health/firmware" description:"where firmware images are extracted"`
	FirmwareURL   string   `long:"firmware-url" env:"FIRMWARE_URL" description:"base url of firmware archives, images are not fetched when empty"`
	FirmwareTable string   `long:"firmware-table" env:"FIRMWARE_TABLE" description:"yaml table replacing the built-in one"`
	FlashTool     string   `long:"flash-tool" env:"FLASH_TOOL" default:"QFirehose" description:"firmware flashing tool"`
	FlashFirmware bool     `long:"flash-firmware" env:"FLASH_MODEM_FIRMWARE" description:"allow flashing modem firmware"`
	Carriers      []string `long:"carrier" env:"FLASH_CARRIERS" env-delim:"," default:"310260" description:"sim operator ids allowed to flash"`

	WatchdogInterval  time.Duration `long:"watchdog-interval" env:"WATCHDOG_INTERVAL" default:"5m"`
	FirmwareInterval  time.Duration `long:"firmware-interval" env:"FIRMWARE_INTERVAL" default:"6h"`
	HeartbeatInterval time.Duration `long:"heartbeat-interval" env:"HEARTBEAT_INTERVAL" default:"1h"`
}

func main() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	loadDotEnv()

	_, err := flags.ParseArgs(&opt, os.Args)
	if err != nil {
		log.Fatal().Err(err).Msg("error parsing flags")
	}

	level, err := zerolog.ParseLevel(opt.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", opt.LogLevel).Msg("bad log level")
	}
	zerolog.SetGlobalLevel(level)

	if err := utility.MakeParentDirs(opt.QueueFile, opt.StateFile, opt.RebootLog); err != nil {
		log.Fatal().Err(err).Msg("error creating state directories")
	}
	if err := utility.MakeDirIfNotExists(opt.FirmwareDir); err != nil {
		log.Fatal().Err(err).Str("dir", opt.FirmwareDir).Msg("error creating firmware directory")
	}

	serial := opt.Serial
	if serial == "" {
		serial, err = utility.DeviceSerial()
		if err != nil {
			serial, _ = os.Hostname()
			log.Warn().Err(err).Str("serial", serial).Msg("no device serial, using hostname")
		}
	}

	state, err := kv.New(opt.StateFile)
	if err != nil {
		log.Fatal().Err(err).Msg("error opening state file")
	}

	db, _, err := sqlitestore.New(opt.QueueFile)
	if err != nil {
		log.Fatal().Err(err).Msg("error connect to sqlite")
	}
	queue, err := sqlitestore.NewQueue(db, events.DefaultMaxQueued)
	if err != nil {
		log.Fatal().Err(err).Msg("error opening event queue")
	}

	conn, err := bus.DialSystem()
	if err != nil {
		log.Fatal().Err(err).Msg("error connecting to system bus")
	}
	proxy := bus.NewProxy(conn, bus.DefaultTimeout)

	if err := checkFirmwareOptions(opt.FlashFirmware, opt.FirmwareTable, opt.FirmwareURL); err != nil {
		log.Fatal().Err(err).Msg("bad firmware options")
	}

	table, err := firmware.DefaultTable()
	if opt.FirmwareTable != "" {
		table, err = firmware.LoadTable(opt.FirmwareTable)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("error loading firmware table")
	}

	clk := clock.Real()
	services := bus.NewServiceManager(proxy, clk)
	locator := &firmware.BusLocator{MM: bus.NewModemManager(proxy)}
	checker := netwatch.NewChecker(netwatch.NewICMPProber(), opt.InternetHost)

	mgr := firmware.NewManager(firmware.Config{
		FirmwareDir:     opt.FirmwareDir,
		BaseURL:         opt.FirmwareURL,
		ModemUnit:       opt.ModemUnit,
		DownloadTimeout: 30 * time.Minute,
		FlashEnabled:    opt.FlashFirmware,
		AllowedCarriers: opt.Carriers,
	}, table, locator, services, checker, download.New(), &firmware.ToolFlasher{Tool: opt.FlashTool}, state, clk)

	watchdog := netwatch.NewWatchdog(checker, services, &netwatch.RebootLog{Path: opt.RebootLog}, clk)
	watchdog.Unit = opt.NetworkUnit

	streamer := events.NewStreamer(queue, events.NewHTTPUploader(opt.TelemetryURL), serial, clk)

	a := agent.New(agent.Config{
		Serial:            serial,
		FirmwareInterval:  opt.FirmwareInterval,
		WatchdogInterval:  opt.WatchdogInterval,
		HeartbeatInterval: opt.HeartbeatInterval,
	}, mgr, watchdog, streamer, locator, clk)
	mgr.OnOutcome = a.ModemChanged
	watchdog.OnTransition = a.NetworkChanged

	log.Info().
		Str("serial", serial).
		Bool("flash", opt.FlashFirmware).
		Int("queued", queue.Qsize()).
		Msg("modem health agent starting")

	server := server.New(server.Config{
		HTTPListenAddr: opt.HTTPAddr,
		Status:         a,
		Counters:       state,
		Events:         streamer,
	})

	e := server.Start()
	if e != nil {
		log.Fatal().Err(e).Msg("error starting server")
	}

	// Capture Ctrl-C
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("agent stopped unexpectedly")
	}

	server.Shutdown()
	if err := db.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing queue")
	}
	proxy.Close()
}
