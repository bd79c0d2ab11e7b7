// Command tradegate runs the pre-trade decision gate and its offline tools.
package main

import (
	"fmt"
	"io"
	"os"
)

const version = "v0.3.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing. Exit codes: 0 ok, 1 verification
// failed, 2 usage or runtime error.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "events":
		return runEventsCmd(args[2:], stdout, stderr)
	case "evaluate":
		return runEvaluateCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "tradegate %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorRed   = "\033[31m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sTradeGate %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sPolicy decides. The model only advises.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  tradegate <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SERVICE")
	printCommand(w, "serve", "Run the decision gate (default)")
	printCommand(w, "health", "Check server health (HTTP)")

	printSection(w, "AUDIT")
	printCommand(w, "verify", "Verify a trace's hash chain (--trace, --json)")
	printCommand(w, "events", "Print a trace's audit events (--trace)")

	printSection(w, "POLICY")
	printCommand(w, "evaluate", "Evaluate a trade offline (--policies, --trade, --as-of)")

	printSection(w, "OTHER")
	printCommand(w, "version", "Print version")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}
