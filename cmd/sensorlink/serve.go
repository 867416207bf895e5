package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/1ureka/sensorlink/internal/sensor"
	"github.com/1ureka/sensorlink/internal/session"
	"github.com/1ureka/sensorlink/internal/transport"
	"github.com/1ureka/sensorlink/internal/util"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		listen   string
		sessions []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a development collection server that logs received frames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen == "" {
				listen = a.cfg.Serve.Listen
			}

			srv := transport.NewServer(transport.ServerOptions{
				OnFrame:    logFrame,
				ICEServers: a.cfg.Server.ICEServers,
			})
			for _, id := range sessions {
				srv.CreateSession(id)
			}

			addr, err := srv.Start(listen)
			if err != nil {
				return err
			}
			defer srv.Close()

			util.LogSuccess("collection server listening on ws://%s/ws", addr)
			util.LogInfo("session list at http://%s/sessions", addr)
			util.StartStatsReporter(cmd.Context(), a.cfg.Stream.StatsInterval)

			<-cmd.Context().Done()
			util.LogInfo("collection server stopped (%d sessions)", len(srv.Sessions()))
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config serve.listen)")
	cmd.Flags().StringSliceVar(&sessions, "session", nil, "pre-create joinable session ids")
	return cmd
}

func logFrame(f transport.Frame) {
	frame, err := session.DecodeFrame(f.Data)
	if err != nil {
		util.LogWarning("session %s: undecodable frame (%d bytes): %v", f.Session, len(f.Data), err)
		return
	}
	util.LogDebug("session %s frame %d at %s: %s", f.Session, frame.Seq,
		frame.Time().Format("15:04:05.000"), summarize(frame))
}

func summarize(f session.Frame) string {
	names := make([]string, 0, len(f.Entries))
	for m := range f.Entries {
		names = append(names, string(m))
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		entries := f.Entries[sensor.Modality(name)]
		size := 0
		for _, e := range entries {
			size += len(e)
		}
		parts[i] = fmt.Sprintf("%s=%dx(%dB)", name, len(entries), size)
	}
	s := strings.Join(parts, " ")
	if f.Degraded {
		s += " [unsynchronized]"
	}
	return s
}
