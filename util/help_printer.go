package util

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

const (
	helpIndent     = "   "
	flagIndent     = "  "
	flagGap        = 2
	maxHelpWidth   = 160
	globalCategory = "Global Options"
)

var (
	sectionColor  = color.New(color.FgGreen, color.Bold).SprintFunc()
	categoryColor = color.New(color.FgCyan, color.Bold).SprintFunc()
)

func termWidth(fallback int) int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	if cols := os.Getenv("COLUMNS"); cols != "" {
		if c, err := strconv.Atoi(cols); err == nil && c > 0 {
			return c
		}
	}
	return fallback
}

// wrapText breaks text into lines no wider than width. Blank lines separate paragraphs
func wrapText(text string, width int) []string {
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			out = append(out, "")
			continue
		}
		line := words[0]
		for _, w := range words[1:] {
			if len(line)+1+len(w) > width {
				out = append(out, line)
				line = w
			} else {
				line += " " + w
			}
		}
		out = append(out, line, "")
	}
	if len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		out = append(out, "")
	}
	return out
}

// flagField reads a field every concrete cli flag type carries but the interface does not expose
func flagField(f cli.Flag, name string) reflect.Value {
	v := reflect.ValueOf(f)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}
	}
	return v.FieldByName(name)
}

func flagCategory(f cli.Flag) string {
	if fld := flagField(f, "Category"); fld.IsValid() && fld.Kind() == reflect.String && fld.String() != "" {
		return fld.String()
	}
	return globalCategory
}

func flagHidden(f cli.Flag) bool {
	fld := flagField(f, "Hidden")
	return fld.IsValid() && fld.Kind() == reflect.Bool && fld.Bool()
}

// flagLabel splits the default rendering of a flag into its label and usage
func flagLabel(f cli.Flag) (label, usage string) {
	parts := strings.SplitN(strings.TrimRight(f.String(), "\n"), "\t", 2)
	label = parts[0]
	if len(parts) > 1 {
		usage = parts[1]
	}
	return
}

type flagGroup struct {
	name  string
	flags []cli.Flag
}

// groupFlags buckets visible flags by category, sorted by category name with flag order kept
func groupFlags(flags []cli.Flag) ([]flagGroup, int) {
	byCategory := map[string][]cli.Flag{}
	widest := 0
	for _, f := range flags {
		if flagHidden(f) {
			continue
		}
		label, _ := flagLabel(f)
		if strings.HasPrefix(label, "--help") {
			continue
		}
		cat := flagCategory(f)
		byCategory[cat] = append(byCategory[cat], f)
		widest = max(widest, len(label))
	}
	groups := make([]flagGroup, 0, len(byCategory))
	for name, fs := range byCategory {
		groups = append(groups, flagGroup{name: name, flags: fs})
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].name < groups[j].name
	})
	return groups, widest
}

func printFlags(w io.Writer, flags []cli.Flag, width int) {
	groups, widest := groupFlags(flags)
	if len(groups) == 0 {
		return
	}
	fmt.Fprintf(w, "%s\n\n", sectionColor("OPTIONS:"))

	usageWidth := width - len(flagIndent) - widest - flagGap
	continuation := flagIndent + strings.Repeat(" ", widest+flagGap) + flagIndent
	for _, g := range groups {
		fmt.Fprintf(w, "%s%s\n", flagIndent, categoryColor(g.name))
		for _, f := range g.flags {
			label, usage := flagLabel(f)
			lines := wrapText(usage, usageWidth)
			fmt.Fprintf(w, "%s%-*s%s%s\n", flagIndent, widest, label, strings.Repeat(" ", flagGap), lines[0])
			for _, cont := range lines[1:] {
				fmt.Fprintf(w, "%s%s\n", continuation, cont)
			}
		}
		fmt.Fprint(w, "\n")
	}
}

func printCommands(w io.Writer, cmds []*cli.Command) {
	visible := make([]*cli.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Hidden || c.Name == "help" {
			continue
		}
		visible = append(visible, c)
	}
	if len(visible) == 0 {
		return
	}
	fmt.Fprintln(w, sectionColor("COMMANDS:"))
	for _, c := range visible {
		fmt.Fprintf(w, "%s%-20s  %s\n", helpIndent, c.FullName(), c.Usage)
	}
	fmt.Fprint(w, "\n")
}

// PrettierHelpPrinter replaces the cli help output with colored sections and flags grouped by category
func PrettierHelpPrinter() {
	fallback := cli.HelpPrinter
	width := min(maxHelpWidth, termWidth(maxHelpWidth)) - 4

	cli.HelpPrinter = func(w io.Writer, templ string, data interface{}) {
		var (
			flags    []cli.Flag
			cmds     []*cli.Command
			helpName string
			usage    string
			args     string
			desc     string
		)
		switch v := data.(type) {
		case *cli.App:
			flags, cmds, helpName, usage, args, desc = v.Flags, v.Commands, v.HelpName, v.Usage, v.ArgsUsage, v.Description
		case *cli.Command:
			flags, cmds, helpName, usage, args, desc = v.Flags, v.Subcommands, v.HelpName, v.Usage, v.ArgsUsage, v.Description
		default:
			fallback(w, templ, data)
			return
		}

		fmt.Fprintf(w, "%s\n%s%s - %s\n\n", sectionColor("NAME:"), helpIndent, helpName, usage)

		fmt.Fprintf(w, "%s\n%s%s", sectionColor("USAGE:"), helpIndent, helpName)
		if len(cmds) > 0 {
			fmt.Fprint(w, " command")
		}
		if len(flags) > 0 {
			fmt.Fprint(w, " [options]")
		}
		if a := strings.TrimSpace(args); a != "" {
			fmt.Fprintf(w, " %s", a)
		}
		fmt.Fprint(w, "\n\n")

		if desc != "" {
			fmt.Fprintln(w, sectionColor("DESCRIPTION:"))
			for _, line := range wrapText(desc, width-len(helpIndent)) {
				fmt.Fprintf(w, "%s%s\n", helpIndent, line)
			}
			fmt.Fprint(w, "\n")
		}

		printCommands(w, cmds)
		printFlags(w, flags, width)
	}
}
