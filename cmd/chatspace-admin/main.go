package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/classpulse/chatspace/config"
	"github.com/classpulse/chatspace/globals"
	"github.com/classpulse/chatspace/persistence"
	"github.com/classpulse/chatspace/types"
)

// A very simple CLI tool for inspecting sessions, room snapshots and
// transcripts directly in the storage backend.

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
)

func main() {
	log.SetFlags(0)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	go func() {
		<-c
		log.Fatal("interrupted!")
	}()

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)

	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}

	globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))

	persister, err := persistence.NewPersister(globalConfig)
	if err != nil {
		panic(err)
	}
	defer persister.Close()

	printJSON := func(v any) {
		out, err := json.Marshal(v)
		if err != nil {
			globals.AppLogger.Error("could not marshal", "error", err)
			return
		}
		fmt.Println(string(out))
	}

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show sessions, rooms or transcripts",
		Long:  `show prints session, room snapshot or transcript information.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	var cmdShowSessions = &cobra.Command{
		Use:   "sessions [owner]",
		Short: "Show sessions",
		Long:  `show sessions lists all stored sessions, or only those of the given owner.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) > 0 {
				recs, err := persister.GetSessionsByOwner(args[0])
				if err != nil {
					globals.AppLogger.Error("could not get sessions", "error", err)
					return
				}
				printJSON(recs)
				return
			}
			recs := make([]*types.SessionRecord, 0)
			err := persister.EachSession(func(rec *types.SessionRecord) bool {
				recs = append(recs, rec)
				return true
			})
			if err != nil {
				globals.AppLogger.Error("could not iterate sessions", "error", err)
				return
			}
			printJSON(recs)
		},
	}
	var cmdShowSession = &cobra.Command{
		Use:   "session [session id]",
		Short: "Show session",
		Long:  `show session prints the stored record of the session with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			rec, err := persister.GetSession(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get session", "error", err)
				return
			}
			printJSON(rec)
		},
	}
	var cmdShowRoom = &cobra.Command{
		Use:   "room [meeting id]",
		Short: "Show room snapshot",
		Long:  `show room prints the stored snapshot of the room with the given meeting id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room, err := persister.GetRoomCopy(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get room snapshot", "error", err)
				return
			}
			printJSON(room)
		},
	}
	var cmdShowTranscripts = &cobra.Command{
		Use:   "transcripts [username]",
		Short: "Show transcript summaries",
		Long:  `show transcripts lists the transcript summaries of the given user.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			summaries, err := persister.GetTranscriptSummaries(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get transcript summaries", "error", err)
				return
			}
			printJSON(summaries)
		},
	}
	var cmdShowTranscript = &cobra.Command{
		Use:   "transcript [username] [meeting id]",
		Short: "Show transcript",
		Long:  `show transcript prints the full transcript of the given user for the given meeting.`,
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			transcript, err := persister.GetTranscript(args[0], args[1])
			if err != nil {
				globals.AppLogger.Error("could not get transcript", "error", err)
				return
			}
			printJSON(transcript)
		},
	}
	var cmdDelete = &cobra.Command{
		Use:   "delete",
		Short: "delete sessions",
		Long:  `delete removes stored sessions.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	var cmdDeleteSession = &cobra.Command{
		Use:   "session [session id]",
		Short: "Delete session",
		Long:  `delete session removes the stored session with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			rec, err := persister.GetSession(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get session", "error", err)
				return
			}
			if err := persister.DeleteSession(rec); err != nil {
				globals.AppLogger.Error("could not delete session", "error", err)
				return
			}
		},
	}
	var cmdDeleteStale = &cobra.Command{
		Use:   "stale",
		Short: "Delete stale sessions",
		Long:  `delete stale removes all sessions that are disconnected or have not sent a heartbeat within the configured timeout.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			timeout := int64(globalConfig.SessionConfig.HeartbeatTimeout)
			now := time.Now().Unix()
			stale := make([]*types.SessionRecord, 0)
			err := persister.EachSession(func(rec *types.SessionRecord) bool {
				if rec.State == types.SessionDisconnecting || rec.State == types.SessionDisconnected {
					stale = append(stale, rec)
					return true
				}
				if now-rec.LastHeartbeat > timeout && now-rec.CreatedTime > timeout {
					stale = append(stale, rec)
				}
				return true
			})
			if err != nil {
				globals.AppLogger.Error("could not iterate sessions", "error", err)
				return
			}
			for _, rec := range stale {
				if err := persister.DeleteSession(rec); err != nil {
					globals.AppLogger.Error("could not delete session", "session", rec.ID, "error", err)
				}
			}
			fmt.Printf("deleted %d stale session(s)\n", len(stale))
		},
	}
	var rootCmd = &cobra.Command{Use: "chatspace-admin"}
	rootCmd.AddCommand(cmdShow)
	rootCmd.AddCommand(cmdDelete)
	cmdShow.AddCommand(cmdShowSessions, cmdShowSession, cmdShowRoom, cmdShowTranscripts, cmdShowTranscript)
	cmdDelete.AddCommand(cmdDeleteSession, cmdDeleteStale)
	rootCmd.Execute()
}
