package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/sensorlink/internal/codec"
	"github.com/1ureka/sensorlink/internal/config"
	"github.com/1ureka/sensorlink/internal/pairing"
	"github.com/1ureka/sensorlink/internal/sensor"
	"github.com/1ureka/sensorlink/internal/session"
	"github.com/1ureka/sensorlink/internal/timesync"
	"github.com/1ureka/sensorlink/internal/transport"
	"github.com/1ureka/sensorlink/internal/util"
)

type streamFlags struct {
	duration    time.Duration
	noSync      bool
	interactive bool
	modalities  []string
	showCode    bool
}

func (f *streamFlags) register(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&f.duration, "duration", 0, "stop streaming after this long (0 = until interrupted)")
	cmd.Flags().BoolVar(&f.noSync, "no-sync", false, "skip clock synchronization (frames are marked degraded)")
	cmd.Flags().StringSliceVar(&f.modalities, "modalities", nil, "enable only these modalities, e.g. color,depth")
}

func newStreamCmd(a *app) *cobra.Command {
	f := &streamFlags{}
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Register a new session and stream frames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.interactive {
				a.cfg.Server.Address = askAddress(a.cfg.Server.Address)
			}
			return runStream(cmd, a.cfg, f, "")
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVarP(&f.interactive, "interactive", "i", false, "prompt for the server address")
	cmd.Flags().BoolVar(&f.showCode, "show-code", true, "print the session pairing code")
	return cmd
}

func newJoinCmd(a *app) *cobra.Command {
	f := &streamFlags{}
	var qrPath string
	cmd := &cobra.Command{
		Use:   "join [session-id]",
		Short: "Join an existing session and stream frames",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			switch {
			case len(args) == 1:
				id = strings.TrimSpace(args[0])
			case qrPath != "":
				scanned, err := scanFile(qrPath)
				if err != nil {
					return err
				}
				id = scanned
			default:
				id = askSessionID()
			}
			return runStream(cmd, a.cfg, f, id)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&qrPath, "qr", "", "read the session id from a pairing code image")
	return cmd
}

// scanFile decodes a pairing code from an image file.
func scanFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	id, err := pairing.Decode(img)
	if errors.Is(err, pairing.ErrNotFound) {
		return "", fmt.Errorf("no pairing code found in %s", path)
	}
	return id, err
}

// runStream connects (or joins when joinID is set) and ticks until the
// context ends, the duration elapses or streaming fails.
func runStream(cmd *cobra.Command, cfg *config.Config, f *streamFlags, joinID string) error {
	ctx := cmd.Context()

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	if len(f.modalities) > 0 {
		if opts, err = onlyModalities(opts, f.modalities); err != nil {
			return err
		}
	}

	clock := timesync.New(cfg.Time.Server, cfg.Time.Timeout)
	if !f.noSync {
		syncCtx, stopSync := context.WithCancel(ctx)
		defer stopSync()
		go func() {
			if err := clock.Run(syncCtx, cfg.Time.Resync); err != nil && syncCtx.Err() == nil {
				util.LogWarning("clock synchronization stopped: %v", err)
			}
		}()
	}

	mgr, err := newManager(cfg, opts, clock)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if joinID != "" {
		err = mgr.JoinSession(ctx, joinID)
	} else {
		err = mgr.Connect(ctx, cfg.Server.Address, opts)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", session.Describe(err), err)
	}

	id := mgr.SessionID()
	fmt.Fprintf(cmd.OutOrStdout(), "session: %s\n", id)
	if joinID == "" && f.showCode {
		if code, err := pairing.Terminal(id); err == nil {
			fmt.Fprint(cmd.OutOrStdout(), code)
		}
	}

	if err := mgr.StartStreaming(); err != nil {
		return err
	}
	util.LogSuccess("streaming %s to %s", strings.Join(modalityNames(mgr.EnabledModalities()), ", "), cfg.Server.Address)
	util.StartStatsReporter(ctx, cfg.Stream.StatsInterval)

	runCtx := ctx
	if f.duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}

	ticker := time.NewTicker(cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			_ = mgr.StopStreaming()
			mgr.Disconnect()
			util.LogInfo("stream stopped")
			return nil

		case <-ticker.C:
			if err := mgr.Tick(runCtx); err != nil {
				return fmt.Errorf("%s: %w", session.Describe(err), err)
			}
		}
	}
}

func newManager(cfg *config.Config, opts sensor.Options, clock *timesync.Synchronizer) (*session.Manager, error) {
	meshCfg, err := cfg.MeshConfig()
	if err != nil {
		return nil, err
	}

	transforms := make(map[sensor.Modality]codec.Transform, len(cfg.Stream.Transforms))
	for name, tname := range cfg.Stream.Transforms {
		m, err := sensor.Parse(name)
		if err != nil {
			return nil, err
		}
		t, err := codec.TransformByName(tname)
		if err != nil {
			return nil, err
		}
		transforms[m] = t
	}

	return session.NewManager(session.Config{
		Dialer: session.TransportDialer(transport.Options{
			DataChannel:      cfg.Server.DataChannel,
			ICEServers:       cfg.Server.ICEServers,
			HandshakeTimeout: cfg.Server.HandshakeTimeout,
		}),
		Source:           sensor.NewSynthetic(opts, clock.Now),
		Clock:            clock,
		Address:          cfg.Server.Address,
		Options:          opts,
		DeviceID:         cfg.Device.ID,
		Mesh:             meshCfg,
		Transforms:       transforms,
		FailureThreshold: cfg.Stream.FailureThreshold,
		SendTimeout:      cfg.Stream.SendTimeout,
	})
}

// onlyModalities enables exactly the named modalities.
func onlyModalities(opts sensor.Options, names []string) (sensor.Options, error) {
	out := opts.Clone()
	for m, o := range out {
		o.Enabled = false
		out[m] = o
	}
	for _, name := range names {
		m, err := sensor.Parse(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		o, ok := out[m]
		if !ok {
			return nil, fmt.Errorf("modality %s is not configured", m)
		}
		o.Enabled = true
		out[m] = o
	}
	return out, nil
}

func modalityNames(ms []sensor.Modality) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = string(m)
	}
	return out
}

// askAddress prompts for a collection server address until a valid one is entered.
func askAddress(current string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Collection server (e.g. " + current + ")").
			Show()

		raw = strings.TrimSpace(raw)
		if raw == "" {
			pterm.Println()
			return current
		}
		if _, err := transport.NormalizeURL(raw); err == nil {
			pterm.Println()
			return raw
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter host:port or a ws/wss URL")
	}
}

// askSessionID prompts for a session id until a non-empty one is entered.
func askSessionID() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Session id").
			Show()

		if id := strings.TrimSpace(raw); id != "" {
			pterm.Println()
			return id
		}

		pterm.Println()
		util.LogWarning("session id must not be empty")
	}
}
