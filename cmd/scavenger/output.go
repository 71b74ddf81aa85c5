package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"scavenger/internal/app"
	"scavenger/internal/storage"
	"scavenger/internal/task"
)

const (
	promptWidth = 40
	dirWidth    = 30
)

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// truncateLeft keeps the tail of a path.
func truncateLeft(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "..." + string(r[len(r)-n+3:])
}

func printTasks(w io.Writer, tasks []task.Task) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRI\tSTATUS\tPROMPT\tDIRECTORY")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", t.ID, t.Priority, t.Status, truncate(t.Prompt, promptWidth), truncateLeft(t.WorkingDir, dirWidth))
	}
	_ = tw.Flush()
}

func printStatus(w io.Writer, st app.Status) {
	fmt.Fprintln(w, "Daemon")
	if st.Running {
		fmt.Fprintf(w, "  Status:  running (pid %d)\n", st.PID)
	} else {
		fmt.Fprintln(w, "  Status:  stopped")
	}
	if st.Current != nil {
		fmt.Fprintf(w, "  Current: %s %s (%s)\n", st.Current.ID, truncate(st.Current.Prompt, promptWidth), st.Current.Duration().Round(time.Second))
	}

	fmt.Fprintln(w, "\nSchedule")
	fmt.Fprintf(w, "  Active hours: %s\n", st.Window)
	if st.InWindow {
		fmt.Fprintln(w, "  Currently in active hours")
	} else {
		fmt.Fprintln(w, "  Outside active hours")
	}

	fmt.Fprintln(w, "\nUsage")
	fmt.Fprintf(w, "  Limit today: %.0f%%\n", st.Ceiling)
	switch {
	case st.Usage != nil:
		fmt.Fprintf(w, "  Current:     %.0f%%\n", st.Usage.Percent)
		fmt.Fprintf(w, "  Remaining:   %.0f%%\n", *st.Remaining)
		if *st.Remaining <= 0 {
			fmt.Fprintln(w, "  Usage limit reached")
		}
	case st.UsageErr != "":
		fmt.Fprintf(w, "  Current:     unknown (%s)\n", st.UsageErr)
	}

	fmt.Fprintln(w, "\nTasks")
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	for _, s := range task.Statuses {
		fmt.Fprintf(tw, "  %s:\t%d\n", s, st.Counts[s])
	}
	_ = tw.Flush()
}

func printHistory(w io.Writer, days []storage.DayLog) {
	if len(days) == 0 {
		fmt.Fprintln(w, "No history found.")
		return
	}
	for i, d := range days {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s  completed %d, failed %d, %s\n", d.Date, d.TotalCompleted, d.TotalFailed,
			time.Duration(d.TotalDurationSeconds*float64(time.Second)).Round(time.Second))
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  ID\tSTATUS\tFINISHED\tDURATION\tPROMPT")
		for _, e := range d.Executions {
			finished := "-"
			if e.CompletedAt != nil {
				finished = e.CompletedAt.Format("15:04:05")
			}
			dur := time.Duration(e.DurationSeconds * float64(time.Second)).Round(time.Second)
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", e.TaskID, e.Status, finished, dur, truncate(e.Prompt, promptWidth))
		}
		_ = tw.Flush()
	}
}

func printStats(w io.Writer, st storage.Stats) {
	fmt.Fprintf(w, "Last %d days\n", st.Days)
	fmt.Fprintf(w, "  Tasks:        %d\n", st.TotalTasks)
	fmt.Fprintf(w, "  Completed:    %d\n", st.TotalCompleted)
	fmt.Fprintf(w, "  Failed:       %d\n", st.TotalFailed)
	fmt.Fprintf(w, "  Success rate: %.1f%%\n", st.SuccessRate)
	fmt.Fprintf(w, "  Avg duration: %s\n", time.Duration(st.AvgDurationSeconds*float64(time.Second)).Round(time.Second))
}
