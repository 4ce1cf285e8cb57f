package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dmitrijs2005/fieldsync/internal/client/coordinator"
	"github.com/dmitrijs2005/fieldsync/internal/client/models"
	"github.com/dmitrijs2005/fieldsync/internal/merge"
)

var errUsage = errors.New("usage")

// command is one shell command. The first fields words of a line are passed
// as separate arguments; with rest set, whatever follows them is passed
// verbatim as one more argument.
type command struct {
	usage  string
	fields int
	rest   bool
	run    func(ctx context.Context, args []string) error
}

// splitLine cuts n whitespace-separated words off line. The untouched
// remainder is returned as well.
func splitLine(line string, n int) ([]string, string) {
	var words []string
	rest := strings.TrimSpace(line)
	for len(words) < n && rest != "" {
		i := strings.IndexAny(rest, " \t")
		if i < 0 {
			words = append(words, rest)
			rest = ""
			break
		}
		words = append(words, rest[:i])
		rest = strings.TrimSpace(rest[i:])
	}
	return words, rest
}

// runREPL reads commands from scanner until EOF, "exit"/"quit" or the end
// of ctx.
//
// Command errors are printed and the loop goes on; a usage error prints the
// command's usage line.
func runREPL(ctx context.Context, cmds map[string]command, prompt func() string, scanner *bufio.Scanner, w io.Writer) {
	for {
		fmt.Fprintf(w, "fs %s> ", prompt())
		if !scanner.Scan() || ctx.Err() != nil {
			return
		}
		head, rest := splitLine(scanner.Text(), 1)
		if len(head) == 0 {
			continue
		}
		name := head[0]

		switch name {
		case "exit", "quit":
			fmt.Fprintln(w, "Bye!")
			return
		case "help":
			printHelp(cmds, w)
			continue
		}

		cmd, ok := cmds[name]
		if !ok {
			fmt.Fprintln(w, "Unknown command:", name)
			continue
		}

		args, tail := splitLine(rest, cmd.fields)
		if len(args) < cmd.fields || (cmd.rest && tail == "") || (!cmd.rest && tail != "") {
			fmt.Fprintln(w, "Usage:", cmd.usage)
			continue
		}
		if cmd.rest {
			args = append(args, tail)
		}

		if err := cmd.run(ctx, args); err != nil {
			if errors.Is(err, errUsage) {
				fmt.Fprintln(w, "Usage:", cmd.usage)
				continue
			}
			fmt.Fprintln(w, "Error:", err)
		}
	}
}

func printHelp(cmds map[string]command, w io.Writer) {
	names := make([]string, 0, len(cmds))
	for n := range cmds {
		names = append(names, n)
	}
	sort.Strings(names)

	fmt.Fprintln(w, "Available commands:")
	for _, n := range names {
		fmt.Fprintln(w, "  "+cmds[n].usage)
	}
	fmt.Fprintln(w, "  exit")
}

func parseStage(s string) (models.Stage, error) {
	switch models.Stage(s) {
	case models.StageDraft, models.StageRecord:
		return models.Stage(s), nil
	default:
		return "", fmt.Errorf("%w: stage must be draft or record", errUsage)
	}
}

// parseSections decodes a JSON object of sections.
func parseSections(s string) (merge.Object, error) {
	var o merge.Object
	if err := json.Unmarshal([]byte(s), &o); err != nil {
		return nil, fmt.Errorf("sections must be a JSON object: %w", err)
	}
	return o, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// shellCommands is the command table of the interactive shell.
func (a *App) shellCommands(w io.Writer) map[string]command {
	return map[string]command{
		"status": {usage: "status", run: func(ctx context.Context, _ []string) error {
			st, err := a.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(w, st)
		}},
		"refresh": {usage: "refresh", run: func(ctx context.Context, _ []string) error {
			rep, err := a.cache.RefreshAll(ctx)
			if err != nil {
				return err
			}
			return printJSON(w, rep)
		}},
		"list": {usage: "list", run: func(ctx context.Context, _ []string) error {
			recs, err := a.store.Records().GetAll(ctx)
			if err != nil {
				return err
			}
			sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
			for _, r := range recs {
				fmt.Fprintf(w, "%s  %-9s  %s\n", r.ID, r.Status, r.Title)
			}
			return nil
		}},
		"new": {usage: "new <project-id> <title>", fields: 1, rest: true, run: func(ctx context.Context, args []string) error {
			rec, err := a.records.Create(ctx, models.Record{ProjectID: args[0], Title: args[1]})
			if rec != nil {
				fmt.Fprintln(w, "Created", rec.ID)
			}
			return err
		}},
		"show": {usage: "show <record-id> <draft|record>", fields: 2, run: func(ctx context.Context, args []string) error {
			stage, err := parseStage(args[1])
			if err != nil {
				return err
			}
			p, err := a.store.LoadPayload(ctx, stage, args[0])
			if err != nil {
				return err
			}
			return printJSON(w, p.Sections)
		}},
		"open": {usage: "open <record-id> <draft|record>", fields: 2, run: func(ctx context.Context, args []string) error {
			stage, err := parseStage(args[1])
			if err != nil {
				return err
			}
			act := coordinator.Active{RecordID: args[0], Stage: stage}
			a.coordinator.SetActive(act)
			return a.sessions.SaveActive(ctx, act)
		}},
		"close": {usage: "close", run: func(ctx context.Context, _ []string) error {
			a.coordinator.SetActive(coordinator.Active{})
			return a.sessions.SaveActive(ctx, coordinator.Active{})
		}},
		"draft": {usage: "draft <record-id> <sections-json>", fields: 1, rest: true, run: func(ctx context.Context, args []string) error {
			return a.save(ctx, w, models.StageDraft, args[0], args[1])
		}},
		"save": {usage: "save <record-id> <sections-json>", fields: 1, rest: true, run: func(ctx context.Context, args []string) error {
			return a.save(ctx, w, models.StageRecord, args[0], args[1])
		}},
		"finalize": {usage: "finalize <record-id>", fields: 1, run: func(ctx context.Context, args []string) error {
			n, err := a.records.Finalize(ctx, args[0])
			if n != nil {
				fmt.Fprintln(w, "Finalized at revision", n.Revision)
			}
			return err
		}},
		"delete": {usage: "delete <record-id>", fields: 1, run: func(ctx context.Context, args []string) error {
			return a.records.SoftDelete(ctx, args[0])
		}},
		"purge": {usage: "purge <record-id>", fields: 1, run: func(ctx context.Context, args []string) error {
			return a.records.HardDelete(ctx, args[0])
		}},
	}
}

func (a *App) save(ctx context.Context, w io.Writer, stage models.Stage, recordID, raw string) error {
	sections, err := parseSections(raw)
	if err != nil {
		return err
	}

	var n *models.Notice
	if stage == models.StageDraft {
		n, err = a.records.SaveDraft(ctx, recordID, sections)
	} else {
		n, err = a.records.SaveRecord(ctx, recordID, sections)
	}
	if n != nil {
		fmt.Fprintf(w, "Saved %s at revision %d\n", stage, n.Revision)
	}
	return err
}

// prompt shows connectivity and the record being edited.
func (a *App) prompt() string {
	st := a.coordinator.Status()
	s := "offline"
	if st.Online {
		s = "online"
	}
	if st.Active.RecordID != "" {
		s += " " + st.Active.RecordID + "/" + string(st.Active.Stage)
	}
	return "(" + s + ")"
}
