package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/echotools/uospy/internal/analyzer"
	"github.com/echotools/uospy/internal/capture"
	"github.com/echotools/uospy/internal/capturelog"
	"github.com/echotools/uospy/internal/client"
	"github.com/echotools/uospy/internal/debugger"
	"github.com/echotools/uospy/internal/protocol"
	"github.com/echotools/uospy/internal/protocol/packets"
	"github.com/echotools/uospy/internal/relay"
	"github.com/google/go-cmp/cmp"
	"github.com/joho/godotenv"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const Version = "dev"

type Flags struct {
	mode        string
	generation  string
	exe         string
	compare     string
	pid         int
	processName string
	outPath     string
	inPath      string
	logPath     string
	debug       bool
	verbose     bool
	setTitle    bool
	msgFormat   string
	include     string
	exclude     string
	includeFrom string
	excludeFrom string
	listen      string
	botChannel  string
	botToken    string
	rateLimit   int
	stopTimeout time.Duration
	stepTimeout time.Duration
	pollTimeout time.Duration
	version     bool
}

var flags = Flags{}
var logger *zap.Logger
var sugar *zap.SugaredLogger

func init() {
	flag.StringVar(&flags.mode, "mode", "spy", "Mode to run in: analyze, spy, replay, or list-packets")
	flag.StringVar(&flags.generation, "client", "classic", "Client generation: classic or enhanced")
	flag.StringVar(&flags.exe, "exe", "", "Client executable to analyze (defaults to the executable of the target process)")
	flag.StringVar(&flags.compare, "compare", "", "Second executable to diff against -exe (analyze mode only)")
	flag.IntVar(&flags.pid, "pid", 0, "Process id of the client to attach to")
	flag.StringVar(&flags.processName, "process", "", "Process name of the client to attach to, e.g. client.exe")
	flag.StringVar(&flags.outPath, "out", "", "Write captures to this capture log")
	flag.StringVar(&flags.inPath, "in", "", "Capture log to decode (replay mode only)")
	flag.StringVar(&flags.logPath, "log", "", "Enable logging to file")
	flag.BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&flags.verbose, "verbose", false, "Log decoded properties of every packet")
	flag.BoolVar(&flags.setTitle, "set-title", false, "Set the console title uospy")
	flag.StringVar(&flags.msgFormat, "msg-encoding", "json", "Output the decoded packets as JSON or YAML")
	flag.StringVar(&flags.include, "include", "", "Comma separated list of packet names or ids to include")
	flag.StringVar(&flags.exclude, "exclude", "", "Comma separated list of packet names or ids to exclude")
	flag.StringVar(&flags.includeFrom, "include-from", "", "File containing a list of packet names or ids to include")
	flag.StringVar(&flags.excludeFrom, "exclude-from", "", "File containing a list of packet names or ids to exclude")
	flag.StringVar(&flags.listen, "listen", "", "Serve decoded packets to websocket viewers on this address, e.g. :6767")
	flag.StringVar(&flags.botChannel, "bot-channel", "", "Discord channel to send packets to")
	flag.StringVar(&flags.botToken, "bot-token", "", "Discord bot token")
	flag.IntVar(&flags.rateLimit, "rate-limit", 2, "Discord rate limit in messages per second")
	flag.DurationVar(&flags.stopTimeout, "stop-timeout", 10*time.Second, "How long to wait for the debugger to detach on interrupt")
	flag.DurationVar(&flags.stepTimeout, "step-timeout", debugger.DefaultConfig().StepTimeout, "Single-step wait after a breakpoint hit")
	flag.DurationVar(&flags.pollTimeout, "poll-interval", debugger.DefaultConfig().PollInterval, "Debug event wait between stop request checks")
	flag.BoolVar(&flags.version, "version", false, "Print the version and exit")
	flag.Parse()

	if flags.version {
		fmt.Println(Version)
		os.Exit(0)
	}

	level := zap.InfoLevel
	if flags.debug {
		level = zap.DebugLevel
	}
	logger = newLogger(level, flags.logPath)
	sugar = logger.Sugar()
}

// newLogger logs to the console and, if path is set, to a file as well.
func newLogger(level zapcore.Level, path string) *zap.Logger {
	build := func(out, errOut string) *zap.Logger {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
		cfg.OutputPaths = []string{out}
		cfg.ErrorOutputPaths = []string{errOut}
		cfg.Level.SetLevel(level)
		l, err := cfg.Build()
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger: %v\n", err)
			os.Exit(1)
		}
		return l
	}

	console := build("stderr", "stderr")
	if path == "" {
		return console
	}
	file := build(path, path)
	// Create a new logger that logs to both the file and the console
	return zap.New(zapcore.NewTee(file.Core(), console.Core()))
}

func main() {
	defer logger.Sync() // flushes buffer, if any

	if flags.setTitle {
		fmt.Println("\033]0;uospy\a")
	}

	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found")
	}
	if flags.botToken == "" {
		flags.botToken = os.Getenv("DISCORD_BOT_TOKEN")
	}
	if flags.botChannel == "" {
		flags.botChannel = os.Getenv("DISCORD_BOT_CHANNEL")
	}
	if flags.processName == "" {
		flags.processName = os.Getenv("UOSPY_PROCESS")
	}
	if v := os.Getenv("UOSPY_CLIENT"); v != "" && !isFlagSet("client") {
		flags.generation = v
	}

	gen, err := client.ParseGeneration(flags.generation)
	if err != nil {
		logger.Fatal("Invalid client generation", zap.Error(err))
	}
	encoder, err := relay.NewEncoder(flags.msgFormat)
	if err != nil {
		logger.Fatal("Invalid message encoding", zap.Error(err))
	}

	logger.Info("Starting uospy", zap.String("version", Version), zap.String("mode", strings.ToUpper(flags.mode)), zap.Stringer("client", gen))

	switch flags.mode {
	case "analyze":
		err = runAnalyze(gen, encoder)
	case "spy":
		err = runSpy(gen, encoder)
	case "replay":
		err = runReplay(encoder)
	case "list-packets":
		err = listPackets(os.Stdout)
	default:
		err = fmt.Errorf("unknown mode %q", flags.mode)
	}
	if err != nil {
		logger.Fatal("uospy failed", zap.Error(err))
	}
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// keysReport is the printable form of client.Keys.
type keysReport struct {
	Generation    string   `json:"generation" yaml:"generation"`
	TimeDateStamp string   `json:"timeDateStamp" yaml:"timeDateStamp"`
	Send          string   `json:"send" yaml:"send"`
	Receive       string   `json:"receive" yaml:"receive"`
	AntiDebug     []string `json:"antiDebug,omitempty" yaml:"antiDebug,omitempty"`
	FilenameHash  string   `json:"filenameHash,omitempty" yaml:"filenameHash,omitempty"`
	Missing       []string `json:"missing,omitempty" yaml:"missing,omitempty"`
}

func newKeysReport(res analyzer.Result) keysReport {
	k := res.Keys
	r := keysReport{
		Generation:    k.Generation.String(),
		TimeDateStamp: fmt.Sprintf("0x%08X", k.TimeDateStamp),
		Send:          k.Send.String(),
		Receive:       k.Receive.String(),
		Missing:       res.Missing,
	}
	for _, p := range k.AntiDebug {
		r.AntiDebug = append(r.AntiDebug, fmt.Sprintf("0x%08X % X", p.Address, p.Bytes))
	}
	if k.FilenameHash != 0 {
		r.FilenameHash = fmt.Sprintf("0x%08X", k.FilenameHash)
	}
	return r
}

func analyze(gen client.Generation, path string) (analyzer.Result, error) {
	img, err := analyzer.LoadImage(path)
	if err != nil {
		return analyzer.Result{}, err
	}
	res, err := analyzer.Analyze(gen, img)
	if err != nil {
		return analyzer.Result{}, err
	}
	if len(res.Missing) > 0 {
		logger.Warn("Signatures not found", zap.String("exe", path), zap.Strings("missing", res.Missing))
	}
	return res, nil
}

func runAnalyze(gen client.Generation, encoder *relay.Encoder) error {
	if flags.exe == "" {
		return errors.New("analyze mode needs -exe")
	}
	res, err := analyze(gen, flags.exe)
	if err != nil {
		return err
	}
	report := newKeysReport(res)

	if flags.compare != "" {
		other, err := analyze(gen, flags.compare)
		if err != nil {
			return err
		}
		if diff := cmp.Diff(report, newKeysReport(other)); diff != "" {
			fmt.Printf("Keys differ (-%s +%s):\n%s", flags.exe, flags.compare, diff)
		} else {
			fmt.Println("Keys are identical")
		}
		return nil
	}

	data, err := encoder.Marshal(report)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return res.Err()
}

// findProcess resolves the target pid and, when -exe is unset, its image path.
func findProcess() (uint32, string, error) {
	var proc *process.Process
	if flags.pid != 0 {
		p, err := process.NewProcess(int32(flags.pid))
		if err != nil {
			return 0, "", fmt.Errorf("process %d: %w", flags.pid, err)
		}
		proc = p
	} else if flags.processName != "" {
		processes, err := process.Processes()
		if err != nil {
			return 0, "", err
		}
		for _, p := range processes {
			name, err := p.Name()
			if err == nil && strings.EqualFold(name, flags.processName) {
				proc = p
				break
			}
		}
		if proc == nil {
			return 0, "", fmt.Errorf("process not found: '%s'", flags.processName)
		}
	} else {
		return 0, "", errors.New("spy mode needs -pid or -process")
	}

	exe := flags.exe
	if exe == "" {
		path, err := proc.Exe()
		if err != nil {
			return 0, "", fmt.Errorf("executable of process %d: %w", proc.Pid, err)
		}
		exe = path
	}
	return uint32(proc.Pid), exe, nil
}

func newFilter() (relay.Filter, error) {
	include := relay.ParseList(flags.include)
	exclude := relay.ParseList(flags.exclude)
	if flags.includeFrom != "" {
		list, err := relay.LoadList(flags.includeFrom)
		if err != nil {
			return relay.Filter{}, fmt.Errorf("read include file: %w", err)
		}
		include = append(include, list...)
	}
	if flags.excludeFrom != "" {
		list, err := relay.LoadList(flags.excludeFrom)
		if err != nil {
			return relay.Filter{}, fmt.Errorf("read exclude file: %w", err)
		}
		exclude = append(exclude, list...)
	}
	f, err := relay.NewFilter(include, exclude)
	if err != nil {
		return f, err
	}
	if len(f.Include) > 0 {
		logger.Info("Including packets", zap.Strings("packets", f.Include))
	}
	if len(f.Exclude) > 0 {
		logger.Info("Excluding packets", zap.Strings("packets", f.Exclude))
	}
	return f, nil
}

// newRelay wires the optional websocket and Discord sinks after base.
func newRelay(ctx context.Context, encoder *relay.Encoder, base relay.Sink) (*relay.Relay, func(), error) {
	filter, err := newFilter()
	if err != nil {
		return nil, nil, err
	}
	sinks := []relay.Sink{base}
	cleanup := func() {}

	if flags.listen != "" {
		hub := relay.NewHub(logger, encoder)
		srv := &http.Server{Addr: flags.listen, Handler: hub}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Viewer server failed", zap.Error(err))
			}
		}()
		logger.Info("Serving viewers", zap.String("addr", flags.listen))
		sinks = append(sinks, hub)
		prev := cleanup
		cleanup = func() {
			prev()
			hub.Close()
			srv.Close()
		}
	}

	if flags.botToken != "" {
		bot, err := relay.NewBot(ctx, logger, flags.botToken, flags.botChannel, encoder, flags.rateLimit)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		logger.Info("Relaying packets to Discord", zap.String("channel", flags.botChannel))
		sinks = append(sinks, bot)
	}
	return relay.New(filter, sinks...), cleanup, nil
}

func newDecoder() (*protocol.Decoder, error) {
	table, err := packets.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("build packet registry: %w", err)
	}
	return protocol.NewDecoder(table), nil
}

func runSpy(gen client.Generation, encoder *relay.Encoder) error {
	pid, exe, err := findProcess()
	if err != nil {
		return err
	}
	res, err := analyze(gen, exe)
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return err
	}
	logger.Info("Client analyzed", zap.String("exe", exe), zap.Stringer("send", res.Keys.Send), zap.Stringer("receive", res.Keys.Receive))

	decoder, err := newDecoder()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl, cleanup, err := newRelay(ctx, encoder, relay.LogSink{Logger: logger, Verbose: flags.verbose})
	if err != nil {
		return err
	}
	defer cleanup()

	captures := make(chan capture.RawCapture, 1024)
	strategy, err := capture.NewStrategy(res.Keys, captures, logger)
	if err != nil {
		return err
	}

	if alive, err := process.PidExists(int32(pid)); err == nil && !alive {
		return fmt.Errorf("process %d has exited", pid)
	}
	target, err := debugger.Open(pid)
	if err != nil {
		return err
	}

	var (
		writer  *capturelog.Writer
		outFile *os.File
	)
	if flags.outPath != "" {
		outFile, err = os.Create(flags.outPath)
		if err != nil {
			return multierr.Append(err, target.Close())
		}
		defer outFile.Close()
		writer = capturelog.NewWriter(outFile)
	}

	session := debugger.NewSession(target, debugger.Config{
		PollInterval: flags.pollTimeout,
		StepTimeout:  flags.stepTimeout,
	}, logger)

	pump := &capture.Pump{
		Captures: captures,
		Consume: func(c capture.RawCapture) {
			if writer != nil {
				if err := writer.Write(c); err != nil {
					logger.Error("Error writing capture log", zap.Error(err))
				}
			}
			rl.Publish(decoder.Decode(c.Data, c.FromClient(), c.Time))
		},
		StopTimeout: flags.stopTimeout,
	}

	interrupted, stopInterrupt := signal.NotifyContext(ctx, os.Interrupt)
	defer stopInterrupt()

	sugar.Infof("Attaching to process %d", pid)
	count, err := pump.Run(interrupted, session, strategy)
	if err != nil {
		// The debug loop or the consumer may still be running, so the capture
		// log is not flushed.
		logger.Error("Capture pipeline did not finish", zap.Int("captures", count), zap.Error(err))
		return err
	}

	if writer != nil {
		err = multierr.Combine(writer.Flush(), outFile.Sync())
	}

	term := session.Termination()
	logger.Info("Session ended", zap.Stringer("termination", term), zap.Int("captures", count))
	if term.Reason == debugger.ReasonError {
		return multierr.Append(term.Cause, err)
	}
	return err
}

func runReplay(encoder *relay.Encoder) error {
	if flags.inPath == "" {
		return errors.New("replay mode needs -in")
	}
	f, err := os.Open(flags.inPath)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder, err := newDecoder()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl, cleanup, err := newRelay(ctx, encoder, relay.WriterSink{W: os.Stdout, Encoder: encoder, Logger: logger})
	if err != nil {
		return err
	}
	defer cleanup()

	r := capturelog.NewReader(f)
	count := 0
	for {
		c, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", count+1, err)
		}
		rl.Publish(decoder.Decode(c.Data, c.FromClient(), c.Time))
		count++
	}
	logger.Info("Replay finished", zap.Int("packets", count))
	return nil
}

func listPackets(w io.Writer) error {
	table, err := packets.NewRegistry()
	if err != nil {
		return err
	}
	table.Walk(func(path string, def *protocol.PacketDefinition) {
		direction := "server"
		if def.FromClient {
			direction = "client"
		}
		fmt.Fprintf(w, "%-12s %-6s : %s\n", path, direction, def.Name)
	})
	return nil
}
