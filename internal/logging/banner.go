package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	cyan  = "\033[36m"
	dim   = "\033[2m"
)

var logoLines = [6]string{
	`  ____  _                   _   _           _   `,
	` / ___|| |_ ___  _ __ _   _| \ | | ___  ___| |_ `,
	` \___ \| __/ _ \| '__| | | |  \| |/ _ \/ __| __|`,
	`  ___) | || (_) | |  | |_| | |\  |  __/\__ \ |_ `,
	` |____/ \__\___/|_|   \__, |_| \_|\___||___/\__|`,
	`                      |___/                     `,
}

// PrintBanner prints the StoryNest ASCII art logo followed by the
// version and listen address. Colors are used only when stderr is a TTY.
func PrintBanner(ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, logoLines[i], reset)
		} else {
			fmt.Fprintln(os.Stderr, logoLines[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %saddr%s %s\n\n",
			dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   addr %s\n\n", ver, addr)
	}
}
