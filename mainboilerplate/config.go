// Package mainboilerplate contains shared boilerplate for this project's
// programs: configuration parsing, logging initialization, and metrics
// serving, as narrowly scoped helpers so callers don't buy into an
// all-or-nothing framework.
package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

// Version and BuildDate are set at build time.
var (
	Version   = "development"
	BuildDate = "unknown"
)

// MustParseConfig requires that the Parser parse from the combination of an
// optional INI file, configured environment bindings, and explicit flags.
// An INI file matching |configName| is searched for in:
//   - The current working directory.
//   - ~/.config/rdfsync (under the user's $HOME or %UserProfile% directory).
func MustParseConfig(parser *flags.Parser, configName string) {
	// Allow unknown options while parsing an INI file.
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown

	var iniParser = flags.NewIniParser(parser)

	var prefixes = []string{
		".",
		filepath.Join(os.Getenv("HOME"), ".config", "rdfsync"),
		filepath.Join(os.Getenv("UserProfile"), ".config", "rdfsync"),
	}
	for _, prefix := range prefixes {
		var path = filepath.Join(prefix, configName)

		if err := iniParser.ParseFile(path); err == nil {
			break
		} else if os.IsNotExist(err) {
			// Pass.
		} else {
			fmt.Println(err)
			os.Exit(1)
		}
	}

	// Restore original options for parsing argument flags.
	parser.Options = origOptions
	MustParseArgs(parser)
}

// MustParseArgs requires that Parser be able to ParseArgs without error.
func MustParseArgs(parser *flags.Parser) {
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		var flagErr, ok = err.(*flags.Error)
		if !ok {
			Must(err, "fatal error")
		}

		switch flagErr.Type {
		case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
			// These error types indicate a problem in the configuration object
			// |parser| was asked to parse (eg, a developer error rather than input error).
			panic(err)

		case flags.ErrCommandRequired:
			// Extend go-flag's "Please specify one command of: ... " output with the full usage.
			os.Stderr.WriteString("\n")
			parser.WriteHelp(os.Stderr)
			fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
			os.Exit(1)

		case flags.ErrHelp:
			if parser.Options&flags.PrintErrors != 0 {
				// Help was already printed.
			} else {
				parser.WriteHelp(os.Stderr)
				fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
			}
			os.Exit(1)

		default:
			// Other error types indicate a problem of input. `go-flags`
			// already prints a helpful message, so simply exit.
			os.Exit(1)
		}
	}
}
