//go:build integration

package tier1

import (
	"context"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/schaermu/calsyncd/internal/eventfile"
)

func TestTier1Sync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t, ctx)

	year := time.Now().Year()
	meeting := time.Date(year, time.March, 3, 9, 0, 0, 0, time.UTC)
	holiday := time.Date(year, time.December, 25, 0, 0, 0, 0, time.Local)

	h.Calendar.Put(&calendar.Event{
		Id:          "remote-meeting",
		Summary:     "Quarterly review",
		Description: "agenda in doc",
		Start:       &calendar.EventDateTime{DateTime: meeting.Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: meeting.Add(90 * time.Minute).Format(time.RFC3339)},
		Updated:     time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339),
	})
	h.Calendar.Put(&calendar.Event{
		Id:      "remote-holiday",
		Summary: "Christmas",
		Start:   &calendar.EventDateTime{Date: holiday.Format("2006-01-02")},
		End:     &calendar.EventDateTime{Date: holiday.AddDate(0, 0, 1).Format("2006-01-02")},
		Updated: time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339),
	})

	meetingPath := h.EventPath(meeting.In(time.Local), "Quarterly review")
	holidayPath := h.EventPath(holiday, "Christmas")
	newPath := h.EventPath(time.Date(year, time.June, 1, 0, 0, 0, 0, time.Local), "Dentist")

	t.Run("A_InitialSyncPullsRemote", func(t *testing.T) {
		h.MustRun(ctx, "sync")

		rec := h.ReadEvent(meetingPath)
		if rec.ID != "remote-meeting" || rec.Duration != "1 hour 30 minutes" || rec.Description != "agenda in doc" {
			t.Errorf("unexpected pulled meeting: %+v", rec)
		}
		if rec := h.ReadEvent(holidayPath); rec.Duration != eventfile.AllDay {
			t.Errorf("expected all-day marker, got %+v", rec)
		}
		if _, err := os.Stat(h.Root + "/.last_sync_time"); err != nil {
			t.Errorf("expected cursor file: %v", err)
		}
		if n := h.Calendar.CountCalls("insert") + h.Calendar.CountCalls("update"); n != 0 {
			t.Errorf("pulled files must not be pushed, saw %d pushes", n)
		}
	})

	t.Run("B_PushNewFile", func(t *testing.T) {
		h.Calendar.ResetCalls()
		h.WriteEvent(newPath, eventfile.Record{Duration: "45 minutes", Description: "bring card"})

		h.MustRun(ctx, "sync")

		if h.Calendar.CountCalls("insert") != 1 {
			t.Fatalf("expected one insert, got %d", h.Calendar.CountCalls("insert"))
		}
		rec := h.ReadEvent(newPath)
		if rec.ID == "" {
			t.Fatal("expected new file to carry the remote id")
		}
		ev, ok := h.Calendar.Event(rec.ID)
		if !ok || ev.Summary != "Dentist" || ev.Description != "bring card" {
			t.Errorf("unexpected remote event: %+v", ev)
		}
	})

	t.Run("C_PushLocalEdit", func(t *testing.T) {
		h.Calendar.ResetCalls()
		rec := h.ReadEvent(meetingPath)
		rec.Description = "agenda moved to wiki"
		h.WriteEvent(meetingPath, rec)

		h.MustRun(ctx, "sync")

		if h.Calendar.CountCalls("update") != 1 {
			t.Fatalf("expected one update, got %d", h.Calendar.CountCalls("update"))
		}
		if ev, _ := h.Calendar.Event("remote-meeting"); ev.Description != "agenda moved to wiki" {
			t.Errorf("local edit not pushed: %+v", ev)
		}
		if got := h.ReadEvent(meetingPath).Description; got != "agenda moved to wiki" {
			t.Errorf("local edit clobbered by pull: %q", got)
		}
	})

	t.Run("D_NoChangesNoPush", func(t *testing.T) {
		h.Calendar.ResetCalls()

		h.MustRun(ctx, "sync")

		if n := h.Calendar.CountCalls("insert") + h.Calendar.CountCalls("update"); n != 0 {
			t.Errorf("expected no pushes on an idle pass, got %d", n)
		}
	})

	t.Run("E_RemoteGoneIsRecreated", func(t *testing.T) {
		h.Calendar.ResetCalls()
		rec := h.ReadEvent(newPath)
		oldID := rec.ID
		h.Calendar.MarkGone(oldID)

		rec.Duration = "1 hour"
		h.WriteEvent(newPath, rec)

		h.MustRun(ctx, "sync")

		if h.Calendar.CountCalls("update") != 1 || h.Calendar.CountCalls("insert") != 1 {
			t.Fatalf("expected one update and one insert, got %v", h.Calendar.Calls())
		}
		if got := h.ReadEvent(newPath).ID; got == oldID || got == "" {
			t.Errorf("expected a new id, got %q", got)
		}
	})

	t.Run("F_DryRun", func(t *testing.T) {
		h.Calendar.ResetCalls()
		dryPath := h.EventPath(time.Date(year, time.June, 2, 0, 0, 0, 0, time.Local), "Haircut")
		h.WriteEvent(dryPath, eventfile.Record{Duration: "30 minutes"})

		out := h.MustRun(ctx, "sync", "--dry-run")

		if !strings.Contains(out, "[dry-run] would create") {
			t.Errorf("expected dry-run plan in output:\n%s", out)
		}
		if h.Calendar.CountCalls("insert") != 0 {
			t.Error("dry-run must not create remote events")
		}
		if rec := h.ReadEvent(dryPath); rec.ID != "" {
			t.Errorf("dry-run must not rewrite files: %+v", rec)
		}
		if err := os.Remove(dryPath); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("G_WatchPushesAndDeletes", func(t *testing.T) {
		h.Calendar.ResetCalls()

		watchCtx, stop := context.WithCancel(ctx)
		defer stop()
		cmd := h.Command(watchCtx, "watch")
		var output lockedBuffer
		cmd.Stdout = &output
		cmd.Stderr = &output
		if err := cmd.Start(); err != nil {
			t.Fatal(err)
		}

		h.Eventually(10*time.Second, "watcher to start", func() bool {
			return strings.Contains(output.String(), "watching for changes")
		})

		watched := h.EventPath(time.Date(year, time.July, 1, 0, 0, 0, 0, time.Local), "Standup")
		h.WriteEvent(watched, eventfile.Record{Duration: "15 minutes"})

		var id string
		h.Eventually(10*time.Second, "watched file to be pushed", func() bool {
			rec, err := eventfile.Read(watched)
			id = rec.ID
			return err == nil && id != ""
		})
		if _, ok := h.Calendar.Event(id); !ok {
			t.Fatalf("remote event %s missing", id)
		}

		if err := os.Remove(watched); err != nil {
			t.Fatal(err)
		}
		h.Eventually(10*time.Second, "remote event to be deleted", func() bool {
			_, ok := h.Calendar.Event(id)
			return !ok
		})

		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			t.Fatal(err)
		}
		if err := cmd.Wait(); err != nil {
			t.Errorf("watch did not exit cleanly: %v\n%s", err, output.String())
		}
	})

	t.Run("H_NotAuthenticated", func(t *testing.T) {
		h.RemoveToken()
		defer h.WriteToken()

		out, code := h.Run(ctx, "sync")
		if code == 0 {
			t.Fatalf("expected non-zero exit without a token\n%s", out)
		}
		if !strings.Contains(out, "calsyncd auth") {
			t.Errorf("expected hint to run auth:\n%s", out)
		}
	})
}
